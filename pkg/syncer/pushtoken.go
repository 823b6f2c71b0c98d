package syncer

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/wardenmdm/warden/pkg/client"
	"github.com/wardenmdm/warden/pkg/constant"
	"github.com/wardenmdm/warden/pkg/retry"
	"github.com/wardenmdm/warden/pkg/store"
)

// PushRegistrar is the transport surface for push-token registration.
type PushRegistrar interface {
	RegisterPushToken(deviceID, pushToken string) error
}

// RegisterPushToken registers the push channel token with the server under
// its own, stricter retry policy: up to 10 attempts, a 409 conflict counts
// as success (the token is already registered), and a 401 triggers a token
// refresh before the next attempt instead of failing outright.
func (s *Syncer) RegisterPushToken(registrar PushRegistrar, pushToken string) error {
	enr, err := s.Enrollment.Load()
	if err != nil {
		return err
	}

	return retry.Do(func() error {
		err := registrar.RegisterPushToken(enr.DeviceID, pushToken)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, client.ErrAlreadyDone):
			log.Debug().Msg("push token already registered")
			return nil
		case errors.Is(err, client.ErrUnauthenticated):
			// refresh the credential so the next attempt can succeed; the
			// attempt itself still counts as failed
			if refreshed, rerr := s.Client.RefreshToken(enr.RefreshToken); rerr == nil {
				updated, uerr := s.Enrollment.Update(func(e *store.Enrollment) {
					e.Token = refreshed.Token
					if refreshed.RefreshToken != "" {
						e.RefreshToken = refreshed.RefreshToken
					}
				})
				if uerr == nil {
					enr = updated
					s.Client.SetToken(updated.Token)
				}
			}
			return err
		default:
			return err
		}
	}, retry.WithMaxAttempts(constant.PushTokenMaxAttempts), retry.WithInterval(s.PushRetryInterval), retry.WithBackoff(true))
}
