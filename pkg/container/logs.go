package container

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
)

// LogEntry is one demultiplexed, timestamped log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Stream    string    `json:"stream"`
}

// Log stream tags.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// StreamLogs returns a channel of log entries for a container. The channel
// is closed when the runtime closes the stream or ctx is cancelled. With
// follow set, the stream stays open and tails new output.
func (s *Supervisor) StreamLogs(ctx context.Context, containerID string, follow bool) (<-chan LogEntry, error) {
	api, err := s.apiClient(ctx)
	if err != nil {
		return nil, err
	}

	reader, err := api.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Follow:     follow,
	})
	if err != nil {
		return nil, s.mapRuntimeError(containerID, "opening log stream", err)
	}

	out := make(chan LogEntry)
	go func() {
		defer close(out)
		defer func() { _ = reader.Close() }()
		demuxLogs(ctx, reader, out)
	}()
	return out, nil
}

// demuxLogs splits the runtime's multiplexed log stream into per-line
// entries. Each frame starts with an 8-byte header whose first byte names
// the stream and whose last four bytes carry the payload length.
func demuxLogs(ctx context.Context, reader io.Reader, out chan<- LogEntry) {
	buffered := bufio.NewReader(reader)
	header := make([]byte, 8)

	for {
		if _, err := io.ReadFull(buffered, header); err != nil {
			return
		}

		stream := StreamStderr
		if header[0] == 1 {
			stream = StreamStdout
		}
		size := binary.BigEndian.Uint32(header[4:8])

		payload := make([]byte, size)
		if _, err := io.ReadFull(buffered, payload); err != nil {
			return
		}

		for _, line := range strings.Split(string(payload), "\n") {
			if line == "" {
				continue
			}
			select {
			case out <- parseLogLine(line, stream):
			case <-ctx.Done():
				return
			}
		}
	}
}

// parseLogLine splits the runtime's timestamp prefix off a log line. When
// the prefix does not parse, the wall clock is used and the full line is
// kept as the message.
func parseLogLine(line, stream string) LogEntry {
	prefix, rest, found := strings.Cut(line, " ")
	if found {
		if ts, err := time.Parse(time.RFC3339Nano, prefix); err == nil {
			return LogEntry{Timestamp: ts, Message: rest, Stream: stream}
		}
	}
	return LogEntry{Timestamp: time.Now().UTC(), Message: line, Stream: stream}
}

// CollectLogs drains a bounded, non-following log stream into a slice.
func (s *Supervisor) CollectLogs(ctx context.Context, containerID string) ([]LogEntry, error) {
	entries, err := s.StreamLogs(ctx, containerID, false)
	if err != nil {
		return nil, err
	}
	var out []LogEntry
	for entry := range entries {
		out = append(out, entry)
	}
	if ctx.Err() != nil {
		return out, errors.NewContainerError("log collection interrupted", ctx.Err())
	}
	return out, nil
}
