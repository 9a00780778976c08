package device

// Global version for device-sdk-go
var Version string = "to be replaced by makefile"
