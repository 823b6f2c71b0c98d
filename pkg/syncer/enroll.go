package syncer

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wardenmdm/warden/pkg/client"
	"github.com/wardenmdm/warden/pkg/constant"
	"github.com/wardenmdm/warden/pkg/retry"
	"github.com/wardenmdm/warden/pkg/signature"
	"github.com/wardenmdm/warden/pkg/store"
)

// EnrollTransport is the transport surface for enrollment.
type EnrollTransport interface {
	Enroll(req client.EnrollRequest) (*client.EnrollResponse, error)
	SetToken(token string)
}

// Enroll registers the device with the server and persists the assigned
// credentials. Requests are signed with the pre-shared secret; transient
// failures are retried with backoff since enrollment commonly races the
// first network connectivity after provisioning.
func Enroll(transport EnrollTransport, enrollment *store.EnrollmentStore, info signature.DeviceInfo, enrollSecret, serverURL string) error {
	var resp *client.EnrollResponse

	err := retry.Do(func() error {
		ts := time.Now().Unix()
		req := client.EnrollRequest{
			Model:        info.Model,
			Manufacturer: info.Manufacturer,
			OSVersion:    info.OSVersion,
			SerialNumber: info.SerialNumber,
			IMEI:         info.IMEI,
			MACAddress:   info.MACAddress,
			AndroidID:    info.AndroidID,
			Method:       "enroll",
			Timestamp:    ts,
			EnrollSecret: enrollSecret,
			Signature:    signature.Sign(info, "enroll", ts, enrollSecret),
		}
		var err error
		resp, err = transport.Enroll(req)
		if err != nil {
			log.Info().Err(err).Msg("enroll attempt failed")
		}
		return err
	}, retry.WithMaxAttempts(constant.EnrollMaxRetries), retry.WithInterval(constant.EnrollRetrySleep), retry.WithBackoff(true))
	if err != nil {
		return err
	}

	_, err = enrollment.Update(func(e *store.Enrollment) {
		e.DeviceID = resp.DeviceID
		e.Token = resp.Token
		e.RefreshToken = resp.RefreshToken
		e.ServerURL = serverURL
		e.Enrolled = true
	})
	if err != nil {
		return err
	}
	transport.SetToken(resp.Token)
	log.Info().Str("deviceID", resp.DeviceID).Msg("device enrolled")
	return nil
}
