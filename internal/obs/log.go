package obs

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger

	minLevel atomic.Int32
)

var levelRank = map[string]int32{"debug": 0, "info": 1, "warn": 2, "error": 3}

func init() { minLevel.Store(levelRank["info"]) }

// Logger returns the shared logger; every line it prints is one JSON object.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// SetLevel drops lines below level. Known levels are debug, info, warn and error.
func SetLevel(level string) error {
	rank, ok := levelRank[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		return fmt.Errorf("obs: unknown log level %q", level)
	}
	minLevel.Store(rank)
	return nil
}

// Log emits ts, level and msg plus fields. Fields never override those keys.
func Log(level, msg string, fields map[string]any) {
	if rank, ok := levelRank[level]; ok && rank < minLevel.Load() {
		return
	}
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	LogRequest(entry)
}

func Debug(msg string, fields map[string]any) { Log("debug", msg, fields) }

func Info(msg string, fields map[string]any) { Log("info", msg, fields) }

func Warn(msg string, fields map[string]any) { Log("warn", msg, fields) }

func Error(msg string, fields map[string]any) { Log("error", msg, fields) }

// LogRequest writes entry verbatim as a single line.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Printf(`{"level":"error","msg":"log marshal failed","error":%q}`, err.Error())
		return
	}
	Logger().Println(string(data))
}
