// Package chat is the little TCP chat room that shares this repository
// with the reliable transport. It is entirely independent of pkg/: frames
// are a 4-byte big-endian length prefix followed by one UTF-8 JSON object.
package chat

import (
	"encoding/binary"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message types carried on the wire.
const (
	TypeJoin   = "join"
	TypeChat   = "chat"
	TypeSystem = "system"
)

// MaxFrameLen bounds a single frame's JSON payload.
const MaxFrameLen = 64 * 1024

var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// Message is one chat frame.
type Message struct {
	Type string `json:"type"`
	From string `json:"from"`
	Text string `json:"text"`
}

// WriteFrame sends one length-prefixed message over w.
func WriteFrame(w io.Writer, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	if len(payload) > MaxFrameLen {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed message from r.
func ReadFrame(r io.Reader) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameLen {
		return Message{}, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, errors.Wrap(err, "decode message")
	}
	return msg, nil
}
