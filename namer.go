package waitz

import (
	"fmt"
	"regexp"
	"runtime"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultIgnoreFrames skips runtime and instrumentation frames so the span is
// named after the application code that started the wait.
var defaultIgnoreFrames = []string{
	`^runtime\.`,
	`^sync\.`,
	`^sync/atomic\.`,
	`^internal/`,
	`^time\.Sleep$`,
	`^github\.com/zoobzio/waitz\.\(\*(Hub|Mutex|RWMutex|listener|waitReader|waitWriter)\)\.`,
	`^github\.com/zoobzio/waitz\.(Recv|Send)(\[.*\])?$`,
}

const namerCacheSize = 4096

// frameNamer resolves captured program counters into a span name.
// Safe for concurrent use by multiple workers.
type frameNamer struct {
	ignore []*regexp.Regexp
	cache  *lru.Cache[uintptr, string] // "" marks an ignored frame.
}

func newFrameNamer(extra []string) (*frameNamer, error) {
	patterns := make([]*regexp.Regexp, 0, len(defaultIgnoreFrames)+len(extra))
	for _, expr := range append(append([]string{}, defaultIgnoreFrames...), extra...) {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: ignore frame pattern %q: %v", ErrInvalidConfig, expr, err)
		}
		patterns = append(patterns, re)
	}

	cache, err := lru.New[uintptr, string](namerCacheSize)
	if err != nil {
		return nil, err
	}
	return &frameNamer{ignore: patterns, cache: cache}, nil
}

// name returns the first frame that is not ignored, or a name derived from
// the wait reason when every frame is ignored or none were captured.
func (n *frameNamer) name(frames []uintptr, reason Reason) string {
	for _, pc := range frames {
		if fn := n.resolve(pc); fn != "" {
			return fn
		}
	}
	return "wait " + reason.String()
}

func (n *frameNamer) resolve(pc uintptr) string {
	if name, ok := n.cache.Get(pc); ok {
		return name
	}

	// Callers reports return addresses; step back into the call instruction.
	fn := runtime.FuncForPC(pc - 1)
	name := ""
	if fn != nil && !n.ignored(fn.Name()) {
		name = fn.Name()
	}
	n.cache.Add(pc, name)
	return name
}

func (n *frameNamer) ignored(name string) bool {
	for _, re := range n.ignore {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
