package session

import (
	"time"

	"github.com/quic-go/quic-go"
)

// Stream is one bidirectional byte pipe of a session.
type Stream struct {
	st *quic.Stream
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.st.Read(p)
	return n, mapSessionError(err)
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.st.Write(p)
	return n, mapSessionError(err)
}

// CloseWrite sends FIN. Reading remains possible.
func (s *Stream) CloseWrite() error {
	return s.st.Close()
}

// Close ends both directions: pending reads are cancelled and FIN is sent.
func (s *Stream) Close() error {
	s.st.CancelRead(quic.StreamErrorCode(CodeNoError))
	return s.st.Close()
}

// Abort resets both directions.
func (s *Stream) Abort() {
	s.st.CancelRead(quic.StreamErrorCode(CodeInternal))
	s.st.CancelWrite(quic.StreamErrorCode(CodeInternal))
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.st.SetReadDeadline(t)
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.st.SetWriteDeadline(t)
}
