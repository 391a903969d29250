package checkerd

import (
	"encoding/json"
	"errors"

	"pkt.systems/checkerd/core"
)

// FanoutTransport sends every payload to each non-nil transport. Errors
// are joined; one failing transport does not stop the others.
func FanoutTransport(transports ...core.Transport) core.Transport {
	out := make(transportFanout, 0, len(transports))
	for _, t := range transports {
		if t != nil {
			out = append(out, t)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type transportFanout []core.Transport

func (f transportFanout) Send(payload json.RawMessage) error {
	var errs []error
	for _, t := range f {
		if err := t.Send(payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
