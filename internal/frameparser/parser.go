package frameparser

import "errors"

var (
	// ErrNeedMoreData 缓冲区中没有完整帧，等待后续字节
	ErrNeedMoreData = errors.New("need more data")
	// ErrInvalidFrame 帧内出现非法字符，已从出错字节处重新同步
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrShortFrame 串口空闲时仍有不完整的帧，已丢弃
	ErrShortFrame = errors.New("short frame")
)

// Decoder 从串口字节流中切分帧。非并发安全，只由串口协程持有。
//
// 解析规则：
// 1. 跳过帧头 'a' 之前的所有字节
// 2. 帧头之后依次校验 2 字节 ID 与 9 字节载荷的字符集
// 3. 任何非法字节使当前帧作废，并从该字节处重新扫描（它本身可能就是新的帧头）
type Decoder struct {
	buf []byte
}

// Write 追加从串口读到的字节，实现 io.Writer
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Pending 返回缓冲区中尚未成帧的字节数
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Next 取出下一帧。返回 ErrNeedMoreData 表示需要继续读串口；
// 返回 ErrInvalidFrame 表示丢弃了一个坏帧，调用方应继续调用 Next。
func (d *Decoder) Next() (Frame, error) {
	start := -1
	for i, b := range d.buf {
		if b == Marker {
			start = i
			break
		}
	}
	if start < 0 {
		d.buf = d.buf[:0]
		return Frame{}, ErrNeedMoreData
	}
	d.buf = d.buf[start:]

	for i := 1; i < len(d.buf) && i < FrameLen; i++ {
		ok := false
		if i <= IDLen {
			ok = IsIDByte(d.buf[i])
		} else {
			ok = IsPayloadByte(d.buf[i])
		}
		if !ok {
			d.buf = d.buf[i:]
			return Frame{}, ErrInvalidFrame
		}
	}
	if len(d.buf) < FrameLen {
		return Frame{}, ErrNeedMoreData
	}

	f := Frame{
		ID:      string(d.buf[1 : 1+IDLen]),
		Payload: string(d.buf[1+IDLen : FrameLen]),
	}
	d.buf = d.buf[FrameLen:]
	return f, nil
}

// Flush 在串口空闲时调用：丢弃残留的不完整帧并返回 ErrShortFrame
func (d *Decoder) Flush() error {
	if len(d.buf) == 0 {
		return nil
	}
	d.buf = d.buf[:0]
	return ErrShortFrame
}

// Drain 取出缓冲区中所有完整帧，坏帧计入返回的 invalid 计数
func (d *Decoder) Drain(onFrame func(Frame)) (invalid int) {
	for {
		f, err := d.Next()
		switch {
		case err == nil:
			onFrame(f)
		case errors.Is(err, ErrInvalidFrame):
			invalid++
		default:
			return invalid
		}
	}
}
