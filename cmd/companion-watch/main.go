// Companion-watch prints the companion's event stream and can send it
// remote-control commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-companion/pkg/protocol"
)

const handshakeTimeout = 10 * time.Second

func main() {
	addr := flag.String("addr", "localhost:8080", "Companion API address")
	wake := flag.Bool("wake", false, "Send a wake command and exit")
	stop := flag.Bool("stop", false, "Abandon the turn in flight and exit")
	retry := flag.Duration("retry", 2*time.Second, "Reconnect delay; 0 exits when the stream ends")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *wake || *stop {
		msg := protocol.NewWakeMessage(uuid.NewString())
		if *stop {
			msg = protocol.NewStopMessage(uuid.NewString())
		}
		if err := command(ctx, endpoint(*addr, "/ws/control"), msg, os.Stdout); err != nil {
			log.Fatalf("command failed: %v", err)
		}
		return
	}

	events := endpoint(*addr, "/ws/events")
	for {
		err := watch(ctx, events, os.Stdout)
		if ctx.Err() != nil {
			return
		}
		if *retry <= 0 {
			if err != nil {
				log.Fatalf("stream ended: %v", err)
			}
			return
		}
		log.Printf("stream ended (%v), reconnecting in %s", err, *retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(*retry):
		}
	}
}

func endpoint(addr, path string) string {
	u := url.URL{Scheme: "ws", Host: addr, Path: path}
	return u.String()
}

func dial(ctx context.Context, target string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}
	return conn, nil
}

// watch prints events from target until the connection closes or ctx is
// done.
func watch(ctx context.Context, target string, out io.Writer) error {
	conn, err := dial(ctx, target)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	fmt.Fprintf(out, "connected to %s\n", target)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		e, err := protocol.ParseEvent(data)
		if err != nil {
			fmt.Fprintf(out, "unparseable event: %s\n", data)
			continue
		}
		fmt.Fprintln(out, format(e))
	}
}

// format renders one event as a log line.
func format(e protocol.Event) string {
	ts := time.Now()
	if e.Timestamp > 0 {
		ts = time.UnixMilli(e.Timestamp)
	}
	prefix := ts.Format("15:04:05.000")

	switch e.Type {
	case protocol.TypeStateEvent:
		return fmt.Sprintf("%s state   %s", prefix, e.State)
	case protocol.TypeAudioEvent:
		return fmt.Sprintf("%s audio   /api/audio/%s", prefix, e.Reference)
	case protocol.TypeNoticeEvent:
		return fmt.Sprintf("%s notice  %s", prefix, e.Notice)
	case protocol.TypeTurnEvent:
		return fmt.Sprintf("%s turn    %s", prefix, e.TurnID)
	default:
		return fmt.Sprintf("%s %s", prefix, e.Type)
	}
}

// command sends msg on the control channel and prints the ack.
func command(ctx context.Context, target string, msg *protocol.Message, out io.Writer) error {
	conn, err := dial(ctx, target)
	if err != nil {
		return err
	}
	defer conn.Close()

	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	resp, err := protocol.ParseMessage(reply)
	if err != nil {
		return err
	}

	switch resp.Type {
	case protocol.TypeAck:
		ack, err := resp.GetAckData()
		if err != nil {
			return err
		}
		if !ack.OK {
			return fmt.Errorf("%s rejected: %s", ack.Command, ack.Error)
		}
		fmt.Fprintf(out, "%s ok (state %s)\n", ack.Command, ack.State)
		return nil
	case protocol.TypeError:
		e, err := resp.GetErrorData()
		if err != nil {
			return err
		}
		return errors.New(e.Message)
	default:
		return fmt.Errorf("unexpected reply %q", resp.Type)
	}
}
