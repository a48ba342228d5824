package port

import (
	"context"
	"time"
)

// LogQuerier queries historical pod logs from a log store (such as Loki)
// once the pods themselves are gone.
type LogQuerier interface {
	QueryPodLogs(ctx context.Context, namespace, buildName, jobKind string, start, end time.Time, limit int) (string, error)
}
