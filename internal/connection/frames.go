package connection

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-stomp/stomp/v3/frame"
)

// Destination prefixes of the marketplace chat broker.
const (
	TopicPrefix = "/topic/chat/"
	SendPrefix  = "/app/chat.send/"
)

const headerAuthorization = "Authorization"

// TopicDestination returns the broker topic for a chat thread.
func TopicDestination(threadID string) string {
	return TopicPrefix + threadID
}

// SendDestination returns the application destination for messages on an order's thread.
func SendDestination(orderID string) string {
	return SendPrefix + orderID
}

func bearer(token string) string {
	return "Bearer " + token
}

func connectFrame(host, token string) *frame.Frame {
	return frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1",
		frame.Host, host,
		frame.HeartBeat, "0,0",
		headerAuthorization, bearer(token),
	)
}

func subscribeFrame(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
}

func unsubscribeFrame(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, frame.Id, id)
}

func sendFrame(destination, token string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
		headerAuthorization, bearer(token),
	)
	f.Body = body
	return f
}

func disconnectFrame() *frame.Frame {
	return frame.New(frame.DISCONNECT)
}

// encodeFrame renders f as one websocket text message.
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// decodeFrames parses every frame in a websocket message. Heart-beat EOLs are
// skipped. On a parse error the frames decoded so far are returned with it.
func decodeFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))

	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		if f == nil {
			continue
		}
		frames = append(frames, f)
	}
}
