package mem

import (
    "bytes"
    "context"
    "testing"
)

func TestDialAndFrameExchange(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    tr := New()
    l, err := tr.Listen(ctx, "coord")
    if err != nil { t.Fatalf("listen: %v", err) }

    cli, err := tr.Dial(ctx, "coord")
    if err != nil { t.Fatalf("dial: %v", err) }
    srv, err := l.Accept(ctx)
    if err != nil { t.Fatalf("accept: %v", err) }

    want := []byte("frame-1")
    errCh := make(chan error, 1)
    go func() { errCh <- cli.SendFrame(want) }()
    got, err := srv.RecvFrame()
    if err != nil { t.Fatalf("recv: %v", err) }
    if err := <-errCh; err != nil { t.Fatalf("send: %v", err) }
    if !bytes.Equal(got, want) { t.Fatalf("frame mismatch: %q", got) }
}

func TestDialUnknownListener(t *testing.T) {
    tr := New()
    if _, err := tr.Dial(context.Background(), "nope"); err == nil {
        t.Fatalf("expected error")
    }
}
