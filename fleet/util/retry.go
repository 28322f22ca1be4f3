package util

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// Retry runs job until it succeeds or the wait between attempts reaches
// waitTimeLimit. The first wait is one second and each later wait is half
// again as long as the one before.
func Retry(ctx context.Context, name string, waitTimeLimit time.Duration, job func() error) (err error) {
	waitTime := time.Second
	hasErr := false
	for waitTime < waitTimeLimit {
		err = job()
		if err == nil {
			if hasErr {
				glog.V(0).Infof("retry %s successfully", name)
			}
			break
		}
		hasErr = true
		glog.V(0).Infof("retry %s: %v", name, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
		waitTime += waitTime / 2
	}
	return err
}
