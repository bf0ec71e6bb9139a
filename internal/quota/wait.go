package quota

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/azmanagers/internal/azureapi"
)

// ErrInterrupted is the sentinel error returned by WaitForCapacity when the
// caller's context is cancelled while the quota loop is sleeping
// (spec.md §4.4: "honor a user interrupt by bailing out with a sentinel
// error").
var ErrInterrupted = errors.New("quota: wait interrupted")

// pollInterval is the sleep between quota polls, per spec.md §4.4/§4.6
// step 7.
const pollInterval = 60 * time.Second

// WaitForCapacity polls Check until nRequested machines of the given
// priority fit within quota, sleeping pollInterval between attempts. spot
// selects the low-priority/spot pool instead of the regular pool.
func WaitForCapacity(ctx context.Context, log hclog.Logger, client *azureapi.Client, subscriptionID, location, skuName string, nRequested int64, spot bool) error {
	for {
		avail, err := Check(ctx, client, subscriptionID, location, skuName, nRequested)
		if err != nil {
			return err
		}

		available := avail.AvailableRegular
		if spot {
			available = avail.AvailableSpot
		}

		if available >= 0 {
			return nil
		}

		log.Info("insufficient quota, waiting", "sku", skuName, "spot", spot,
			"requested", nRequested, "available", available)

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrInterrupted
		case <-timer.C:
		}
	}
}
