package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relayq/crypto"
	"github.com/opd-ai/relayq/transport"
)

// SendError ties a failure to the recipient identifier it affected, so
// the aggregate error list stays attributable.
type SendError struct {
	Identifier string
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Identifier, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// sendToDevices runs the per-device dispatch for one recipient. depth
// bounds the 409/410 reconciliation recursion; it is decremented on each
// reconciliation pass and never propagated further than one retry cycle.
func (s *Sender) sendToDevices(ctx context.Context, msg *Message, identifier string, depth int, sealed bool) recipientOutcome {
	fail := func(err error) recipientOutcome {
		return recipientOutcome{identifier: identifier, err: &SendError{Identifier: identifier, Err: err}}
	}

	devices, err := s.cfg.Resolver.Devices(ctx, identifier)
	if err != nil {
		return fail(fmt.Errorf("device resolution failed: %w", err))
	}

	if len(devices) == 0 {
		if msg.SyncType {
			// Best-effort sync messages to device-less recipients are a
			// no-op, not an error.
			return recipientOutcome{identifier: identifier}
		}
		return fail(errors.New("recipient has no devices"))
	}

	envelopes, err := s.sealForDevices(msg, identifier, devices, sealed)
	if err != nil {
		return fail(err)
	}

	res, err := s.cfg.Transport.SendEnvelopes(ctx, identifier, envelopes, msg.Timestamp, msg.Online)
	if err == nil {
		out := recipientOutcome{identifier: identifier}
		if res != nil {
			out.guid = res.MessageGUID
		}
		return out
	}

	se, ok := transport.AsStatus(err)
	switch {
	case ok && se.Code == transport.StatusDeviceConflict && depth > 0:
		logrus.WithFields(logrus.Fields{
			"identifier": identifier,
			"extra":      se.ExtraDevices,
			"missing":    se.MissingDevices,
		}).Info("Device list conflict; reconciling")
		if len(se.ExtraDevices) > 0 {
			if rerr := s.cfg.Resolver.RemoveDevices(ctx, identifier, se.ExtraDevices); rerr != nil {
				return fail(fmt.Errorf("removing conflicting devices: %w", rerr))
			}
		}
		return s.sendToDevices(ctx, msg, identifier, depth-1, sealed)

	case ok && se.Code == transport.StatusStaleDevices && depth > 0:
		logrus.WithFields(logrus.Fields{
			"identifier": identifier,
			"stale":      se.StaleDevices,
		}).Info("Stale devices; archiving sessions and refreshing keys")
		for _, device := range se.StaleDevices {
			s.cfg.Archiver.Archive(msg.Account, identifier, device)
		}
		if rerr := s.cfg.Resolver.RefreshKeys(ctx, identifier, se.StaleDevices); rerr != nil {
			return fail(fmt.Errorf("refreshing keys for stale devices: %w", rerr))
		}
		return s.sendToDevices(ctx, msg, identifier, depth-1, sealed)

	case ok && sealed && (se.Code == transport.StatusUnauthorized || se.Code == transport.StatusForbidden):
		// The server rejected the sender-hidden attempt; retry on the
		// identified path and record the privacy failover.
		out := s.sendToDevices(ctx, msg, identifier, depth, false)
		out.failover = true
		return out
	}

	return fail(err)
}

// sealForDevices encrypts the plaintext for every device, serializing
// each unit on its per-(account, recipient, device) lane so no two
// concurrent operations touch the same session state. On an untrusted
// identity every pending unit for the recipient is abandoned.
func (s *Sender) sealForDevices(msg *Message, identifier string, devices []uint32, sealed bool) ([]transport.Envelope, error) {
	var (
		mu        sync.Mutex
		envelopes []transport.Envelope
		errs      []error
		abandoned atomic.Bool
		wg        sync.WaitGroup
	)

	for _, device := range devices {
		device := device
		key := fmt.Sprintf("%s/%s/%d", msg.Account, identifier, device)
		wg.Add(1)
		if err := s.devices.Get(key).Enqueue(func() {
			defer wg.Done()
			if abandoned.Load() {
				return
			}
			env, err := s.cfg.Sealer.Seal(msg.Account, identifier, device, msg.Plaintext, sealed)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if crypto.IsUntrustedIdentity(err) {
					abandoned.Store(true)
				}
				errs = append(errs, fmt.Errorf("device %d: %w", device, err))
				return
			}
			envelopes = append(envelopes, env)
		}); err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("device %d: %w", device, err))
			mu.Unlock()
		}
	}
	wg.Wait()

	for _, err := range errs {
		if crypto.IsUntrustedIdentity(err) {
			// Identity change outranks every other failure for this
			// recipient; surface it alone so callers can gate on trust.
			return nil, err
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return envelopes, nil
}
