package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/door-relay/internal/device"
	"github.com/PetoAdam/homenavi/door-relay/internal/device/devicetest"
)

type fixedSlot struct{ link *device.Link }

func (s fixedSlot) Current() *device.Link { return s.link }

type memFirmware struct{ data []byte }

func (m memFirmware) Open() (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(m.data)), int64(len(m.data)), nil
}

func blob(n int) []byte {
	r := rand.New(rand.NewPCG(1, uint64(n)))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.UintN(256))
	}
	return b
}

func connected() (*devicetest.Conn, *device.Link) {
	conn := devicetest.NewConn()
	return conn, device.NewLink(conn, "192.168.1.50:4242")
}

func TestDispatchWithoutConnection(t *testing.T) {
	d := New(fixedSlot{}, memFirmware{data: blob(10)}, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.OpenDoor(context.Background()); !errors.Is(err, ErrNoActiveConnection) {
			t.Errorf("OpenDoor: expected ErrNoActiveConnection, got %v", err)
		}
		if err := d.UpdateFirmware(context.Background()); !errors.Is(err, ErrNoActiveConnection) {
			t.Errorf("UpdateFirmware: expected ErrNoActiveConnection, got %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch without connection hung")
	}
}

func TestOpenDoorSendsCommand(t *testing.T) {
	conn, link := connected()
	d := New(fixedSlot{link}, nil, Options{})

	if err := d.OpenDoor(context.Background()); err != nil {
		t.Fatalf("OpenDoor: %v", err)
	}
	msgs := conn.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	if msgs[0]["command"] != "open-door" || msgs[0]["message"] != OpenDoorMessage {
		t.Fatalf("unexpected message %v", msgs[0])
	}
}

func TestOpenDoorSendFailure(t *testing.T) {
	conn, link := connected()
	conn.FailMessages = true
	d := New(fixedSlot{link}, nil, Options{})

	err := d.OpenDoor(context.Background())
	if err == nil || errors.Is(err, ErrNoActiveConnection) {
		t.Fatalf("expected send error, got %v", err)
	}
}

func TestUpdateChunkCompleteness(t *testing.T) {
	for _, size := range []int{0, 1, 4095, 4096, 4097, 3*4096 + 17} {
		conn, link := connected()
		image := blob(size)
		d := New(fixedSlot{link}, memFirmware{data: image}, Options{ChunkSize: 4096})

		if err := d.UpdateFirmware(context.Background()); err != nil {
			t.Fatalf("size %d: %v", size, err)
		}

		frames := conn.Frames()
		if len(frames) == 0 || frames[0].Binary {
			t.Fatalf("size %d: first frame must be the announcement", size)
		}
		announce := conn.Messages()[0]
		if announce["command"] != "update" || announce["size"] != float64(size) {
			t.Fatalf("size %d: unexpected announcement %v", size, announce)
		}

		chunks := conn.BinaryFrames()
		want := (size + 4095) / 4096
		if len(chunks) != want {
			t.Fatalf("size %d: got %d chunks want %d", size, len(chunks), want)
		}
		var joined []byte
		for i, c := range chunks {
			if i < len(chunks)-1 && len(c.Data) != 4096 {
				t.Fatalf("size %d: chunk %d has %d bytes", size, i, len(c.Data))
			}
			joined = append(joined, c.Data...)
		}
		if !bytes.Equal(joined, image) {
			t.Fatalf("size %d: reassembled image differs", size)
		}
	}
}

func TestUpdatePacesChunks(t *testing.T) {
	conn, link := connected()
	pacing := 30 * time.Millisecond
	d := New(fixedSlot{link}, memFirmware{data: blob(4 * 512)}, Options{ChunkSize: 512, Pacing: pacing})

	if err := d.UpdateFirmware(context.Background()); err != nil {
		t.Fatalf("UpdateFirmware: %v", err)
	}
	chunks := conn.BinaryFrames()
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if gap := chunks[i].At.Sub(chunks[i-1].At); gap < pacing {
			t.Fatalf("chunks %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestUpdateAbortsOnFailedChunk(t *testing.T) {
	conn, link := connected()
	conn.FailBinaryAt = 3
	d := New(fixedSlot{link}, memFirmware{data: blob(6 * 100)}, Options{ChunkSize: 100})

	err := d.UpdateFirmware(context.Background())
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
	if !errors.Is(err, devicetest.ErrInjected) {
		t.Fatalf("cause not wrapped: %v", err)
	}
	if got := len(conn.BinaryFrames()); got != 2 {
		t.Fatalf("expected 2 chunks before the failure, got %d", got)
	}

	// A new attempt starts again from chunk zero.
	conn.FailBinaryAt = 0
	if err := d.UpdateFirmware(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	chunks := conn.BinaryFrames()
	if len(chunks) != 2+6 {
		t.Fatalf("expected 8 chunks in total, got %d", len(chunks))
	}
	if !bytes.Equal(chunks[2].Data, chunks[0].Data) {
		t.Fatalf("retry did not restart from the first chunk")
	}
}

func TestUpdateAbortsWhenDeviceLeavesDuringPacing(t *testing.T) {
	conn, link := connected()
	d := New(fixedSlot{link}, memFirmware{data: blob(10 * 64)}, Options{ChunkSize: 64, Pacing: time.Hour})

	go func() {
		devicetest.WaitFor(time.Second, func() bool { return len(conn.BinaryFrames()) == 1 })
		link.MarkDone()
	}()
	err := d.UpdateFirmware(context.Background())
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
	if got := len(conn.BinaryFrames()); got != 1 {
		t.Fatalf("expected a single chunk, got %d", got)
	}
}

func TestUpdateRejectsConcurrentTransfer(t *testing.T) {
	conn, link := connected()
	d := New(fixedSlot{link}, memFirmware{data: blob(3 * 64)}, Options{ChunkSize: 64, Pacing: 50 * time.Millisecond})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.UpdateFirmware(context.Background()); err != nil {
			t.Errorf("first update: %v", err)
		}
	}()
	devicetest.WaitFor(time.Second, func() bool { return len(conn.BinaryFrames()) >= 1 })

	if err := d.UpdateFirmware(context.Background()); !errors.Is(err, ErrUpdateInProgress) {
		t.Fatalf("expected ErrUpdateInProgress, got %v", err)
	}
	wg.Wait()
	if got := len(conn.BinaryFrames()); got != 3 {
		t.Fatalf("concurrent transfer leaked chunks: %d", got)
	}
}

func TestUpdateAwaitsAck(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		conn, link := connected()
		d := New(fixedSlot{link}, memFirmware{data: blob(100)}, Options{ChunkSize: 64, AwaitAck: true, AckTimeout: time.Second})
		go func() {
			devicetest.WaitFor(time.Second, func() bool { return len(conn.Messages()) == 1 })
			link.DeliverAck(`{"success":true,"message":"ready"}`)
		}()
		if err := d.UpdateFirmware(context.Background()); err != nil {
			t.Fatalf("UpdateFirmware: %v", err)
		}
		if got := len(conn.BinaryFrames()); got != 2 {
			t.Fatalf("expected 2 chunks, got %d", got)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		conn, link := connected()
		d := New(fixedSlot{link}, memFirmware{data: blob(100)}, Options{AwaitAck: true, AckTimeout: time.Second})
		go func() {
			devicetest.WaitFor(time.Second, func() bool { return len(conn.Messages()) == 1 })
			link.DeliverAck(`{"success":false,"message":"battery too low"}`)
		}()
		err := d.UpdateFirmware(context.Background())
		if !errors.Is(err, ErrUpdateRejected) {
			t.Fatalf("expected ErrUpdateRejected, got %v", err)
		}
		var rejected *RejectedError
		if !errors.As(err, &rejected) || rejected.Message != "battery too low" {
			t.Fatalf("device reason lost: %v", err)
		}
		if len(conn.BinaryFrames()) != 0 {
			t.Fatalf("chunks sent after rejection")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		conn, link := connected()
		d := New(fixedSlot{link}, memFirmware{data: blob(100)}, Options{AwaitAck: true, AckTimeout: 20 * time.Millisecond})
		if err := d.UpdateFirmware(context.Background()); !errors.Is(err, ErrTransfer) {
			t.Fatalf("expected ErrTransfer, got %v", err)
		}
		if len(conn.BinaryFrames()) != 0 {
			t.Fatalf("chunks sent without ack")
		}
	})
}

func TestFileFirmwareReadsSizeFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firmware.bin")
	if err := os.WriteFile(path, blob(10), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn, link := connected()
	d := New(fixedSlot{link}, FileFirmware{Path: path}, Options{})

	if err := d.UpdateFirmware(context.Background()); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := os.WriteFile(path, blob(5000), 0o644); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := d.UpdateFirmware(context.Background()); err != nil {
		t.Fatalf("second update: %v", err)
	}

	msgs := conn.Messages()
	if len(msgs) != 2 || msgs[0]["size"] != float64(10) || msgs[1]["size"] != float64(5000) {
		t.Fatalf("announced sizes not refreshed: %v", msgs)
	}
}

func TestFileFirmwareMissing(t *testing.T) {
	_, link := connected()
	d := New(fixedSlot{link}, FileFirmware{Path: filepath.Join(t.TempDir(), "missing.bin")}, Options{})
	err := d.UpdateFirmware(context.Background())
	if err == nil || errors.Is(err, ErrTransfer) {
		t.Fatalf("expected open error, got %v", err)
	}
}
