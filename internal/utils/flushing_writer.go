package utils

import (
	"io"
	"sync"
)

type flusher interface {
	Flush() error
}

// FlushingWriter serializes report writes and flushes buffered destinations after every write,
// so progress lines reach the terminal while a long upgrade is still running.
type FlushingWriter struct {
	mutex       sync.Mutex
	destination io.Writer
	flusher     flusher
}

// NewFlushingWriter wraps destination. Nil destinations yield nil and already wrapped writers
// are returned as is.
func NewFlushingWriter(destination io.Writer) io.Writer {
	switch typed := destination.(type) {
	case nil:
		return nil
	case *FlushingWriter:
		return typed
	}
	wrapped := &FlushingWriter{destination: destination}
	if bufferedDestination, buffered := destination.(flusher); buffered {
		wrapped.flusher = bufferedDestination
	}
	return wrapped
}

// Write forwards data to the destination and flushes it when the destination buffers.
func (writer *FlushingWriter) Write(data []byte) (int, error) {
	if writer == nil || writer.destination == nil {
		return 0, nil
	}
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	written, writeError := writer.destination.Write(data)
	if writeError != nil || writer.flusher == nil {
		return written, writeError
	}
	return written, writer.flusher.Flush()
}
