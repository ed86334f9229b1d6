// Package common holds small helpers shared across the storage packages.
package common

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/time/rate"
)

// copyChunk is the copy granularity and the limiter burst, so one full
// chunk can always proceed after a wait.
const copyChunk = 4 << 20

// CopyThrottled copies srcPath to dstPath in chunks, holding throughput
// under rateBytesPerSec when positive. The log archiver runs this next to
// the foreground write path, so the cap keeps housekeeping I/O from
// competing with commits. The destination is synced before return.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), copyChunk)
	}

	buf := make([]byte, copyChunk)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(ctx, n); werr != nil {
					return fmt.Errorf("throttle: %w", werr)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write dst: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read src: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync dst: %w", err)
	}
	return nil
}
