// -*- Mode: Go; indent-tabs-mode: t -*-
//
// Copyright (C) 2019-2023 IOTech Ltd
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/edgexfoundry/device-sdk-go/v4/pkg/startup"
	device "github.com/linjuya-lu/device-llap-go"
	"github.com/linjuya-lu/device-llap-go/internal/driver"
)

const (
	serviceName string = "device-llap"
)

func main() {
	d := driver.NewLLAPDriver()
	startup.Bootstrap(serviceName, device.Version, d)
}
