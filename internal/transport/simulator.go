package transport

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// Simulator is a deterministic local sender for development and tests.
// Phone numbers steer the outcome: a "+0" prefix fails as an invalid
// recipient, "+429" as throttling, anything else succeeds.
type Simulator struct {
	seq atomic.Int64
}

func NewSimulator() *Simulator {
	return &Simulator{}
}

func (s *Simulator) Send(ctx context.Context, phone, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewError(KindTransient, "send aborted: %v", err)
	}
	switch {
	case strings.HasPrefix(phone, "+0"):
		return "", NewError(KindInvalidRecipient, "no such number %s", phone)
	case strings.HasPrefix(phone, "+429"):
		return "", NewError(KindRateLimited, "simulated throttle")
	}
	return fmt.Sprintf("sim-%d", s.seq.Add(1)), nil
}
