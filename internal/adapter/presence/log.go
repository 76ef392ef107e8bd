package presence

import (
	"log/slog"
	"strings"
	"time"
)

// memberlistLeaveTimeout bounds the graceful leave broadcast.
const memberlistLeaveTimeout = 5 * time.Second

// slogWriter routes memberlist's internal log lines onto slog at debug
// level; gossip chatter is noise at info.
type slogWriter struct {
	log *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	w.log.Debug("memberlist", "msg", strings.TrimSpace(string(p)))
	return len(p), nil
}
