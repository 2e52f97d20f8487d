//go:build linux

package tensorpipe

import (
	"bytes"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
)

func TestConnEcho(t *testing.T) {
	withLoop(t, func(t *testing.T, l *Loop) {
		ctx := testContext(t)
		path := filepath.Join(t.TempDir(), "echo.sock")

		ln, err := Listen(l, path)
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
		defer ln.Close()

		acceptFut := ln.Accept()
		client, err := Dial(ctx, l, path)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		server, err := acceptFut.Wait(ctx)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}

		msg := []byte("ping")
		if n, err := client.Write(msg).Wait(ctx); err != nil || n != len(msg) {
			t.Fatalf("client write: got (%d, %v), want (%d, nil)", n, err, len(msg))
		}

		buf := make([]byte, 16)
		n, err := server.Read(buf).Wait(ctx)
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
		if !bytes.Equal(buf[:n], msg) {
			t.Fatalf("server read %q, want %q", buf[:n], msg)
		}

		if _, err := server.Write(buf[:n]).Wait(ctx); err != nil {
			t.Fatalf("server write: %v", err)
		}
		n, err = client.Read(buf).Wait(ctx)
		if err != nil {
			t.Fatalf("client read: %v", err)
		}
		if !bytes.Equal(buf[:n], msg) {
			t.Fatalf("client read %q, want %q", buf[:n], msg)
		}

		if err := client.Close(); err != nil {
			t.Fatalf("client close: %v", err)
		}

		// the peer is gone; the next read reports end of stream
		if _, err := server.Read(buf).Wait(ctx); !errors.Is(err, io.EOF) {
			t.Fatalf("read after peer close: got %v, want io.EOF", err)
		}
		if err := server.Close(); err != nil {
			t.Fatalf("server close: %v", err)
		}
	})
}

func TestConnDistinctSessionIDs(t *testing.T) {
	withLoop(t, func(t *testing.T, l *Loop) {
		ctx := testContext(t)
		path := filepath.Join(t.TempDir(), "ids.sock")

		ln, err := Listen(l, path)
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
		defer ln.Close()

		acceptFut := ln.Accept()
		client, err := Dial(ctx, l, path)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		server, err := acceptFut.Wait(ctx)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		defer server.Close()
		defer client.Close()

		if client.ID() == "" || server.ID() == "" {
			t.Fatal("connection without a session id")
		}
		if client.ID() == server.ID() {
			t.Fatalf("both ends share session id %s", client.ID())
		}
	})
}

func TestAcceptPending(t *testing.T) {
	withLoop(t, func(t *testing.T, l *Loop) {
		path := filepath.Join(t.TempDir(), "busy.sock")
		ln, err := Listen(l, path)
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}

		first := ln.Accept()
		second := ln.Accept()
		if _, err := second.Result(); !errors.Is(err, ErrAcceptPending) {
			t.Fatalf("second accept: got %v, want ErrAcceptPending", err)
		}

		if err := ln.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if _, err := first.Wait(testContext(t)); !errors.Is(err, net.ErrClosed) {
			t.Fatalf("pending accept after close: got %v, want net.ErrClosed", err)
		}
	})
}

func TestConnCloseFailsPendingRead(t *testing.T) {
	withLoop(t, func(t *testing.T, l *Loop) {
		ctx := testContext(t)
		path := filepath.Join(t.TempDir(), "close.sock")

		ln, err := Listen(l, path)
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
		defer ln.Close()

		acceptFut := ln.Accept()
		client, err := Dial(ctx, l, path)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		server, err := acceptFut.Wait(ctx)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		defer server.Close()

		readFut := client.Read(make([]byte, 8))
		if readFut.HasResult() {
			t.Fatal("read settled with no data available")
		}
		if err := client.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if _, err := readFut.Wait(ctx); !errors.Is(err, net.ErrClosed) {
			t.Fatalf("pending read after close: got %v, want net.ErrClosed", err)
		}

		// operations on a closed connection settle immediately
		if _, err := client.Write([]byte("x")).Wait(ctx); !errors.Is(err, net.ErrClosed) {
			t.Fatalf("write after close: got %v, want net.ErrClosed", err)
		}
	})
}

func TestConnLargeTransfer(t *testing.T) {
	withLoop(t, func(t *testing.T, l *Loop) {
		ctx := testContext(t)
		path := filepath.Join(t.TempDir(), "large.sock")

		ln, err := Listen(l, path)
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
		defer ln.Close()

		acceptFut := ln.Accept()
		client, err := Dial(ctx, l, path)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		server, err := acceptFut.Wait(ctx)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		defer server.Close()
		defer client.Close()

		// large enough to overflow the socket buffer and force the write
		// to wait for writability at least once
		payload := make([]byte, 1<<20)
		for i := range payload {
			payload[i] = byte(i)
		}
		writeFut := client.Write(payload)

		var received []byte
		buf := make([]byte, 64<<10)
		for len(received) < len(payload) {
			n, err := server.Read(buf).Wait(ctx)
			if err != nil {
				t.Fatalf("read at offset %d: %v", len(received), err)
			}
			received = append(received, buf[:n]...)
		}

		n, err := writeFut.Wait(ctx)
		if err != nil || n != len(payload) {
			t.Fatalf("write: got (%d, %v), want (%d, nil)", n, err, len(payload))
		}
		if !bytes.Equal(received, payload) {
			t.Fatal("received payload differs from sent payload")
		}
	})
}
