package relay

import (
	"encoding/json"

	"PPAuth/service/bus"
	"PPAuth/tools/errs"
)

// Frame is the unit exchanged over the relay websocket. The relay does not
// look inside Msg.
type Frame struct {
	Topic string      `json:"topic"`
	Msg   bus.Message `json:"msg"`
}

func ParseFrameJSON(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.ErrMalformed.WrapMsg("parse frame", "err", err.Error())
	}
	if f.Topic == "" {
		return nil, errs.ErrMalformed.WrapMsg("frame without topic")
	}
	return &f, nil
}

func (f *Frame) Marshal() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal frame", "topic", f.Topic)
	}
	return b, nil
}
