// Package ids mints the opaque identifiers used across the core engines.
// Every id pairs a millisecond timestamp (for rough chronological sort in
// logs and dashboards) with a uuid-derived random tail, matching the
// style of main.go's Session.ID.
package ids

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func randSuffix() string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	return s[:8]
}

// Log produces an id of the shape "log_<unixMs>_<rand>".
func Log() string {
	return fmt.Sprintf("log_%d_%s", time.Now().UnixMilli(), randSuffix())
}

// Job produces an id of the shape "job_<unixMs>_<rand>".
func Job() string {
	return fmt.Sprintf("job_%d_%s", time.Now().UnixMilli(), randSuffix())
}

// Process produces an id of the shape "proc_<unixMs>_<rand>". A fresh id is
// minted on every (re)spawn, including auto-restarts.
func Process() string {
	return fmt.Sprintf("proc_%d_%s", time.Now().UnixMilli(), randSuffix())
}

// Workflow produces an id of the shape "wf_<unixMs>_<rand>" for a workflow
// instance, including branch/child instances.
func Workflow() string {
	return fmt.Sprintf("wf_%d_%s", time.Now().UnixMilli(), randSuffix())
}
