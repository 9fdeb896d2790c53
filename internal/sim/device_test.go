package sim

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/bigbag/iap-flasher/internal/boot"
	"github.com/bigbag/iap-flasher/internal/flash"
	"github.com/bigbag/iap-flasher/internal/flasher"
	"github.com/bigbag/iap-flasher/internal/store"
)

func newDevice(t *testing.T, mem *flash.Memory) *Device {
	t.Helper()
	if mem == nil {
		mem = flash.NewMemory(flash.DefaultLayout())
	}
	d := New(mem, WithIdleInterval(time.Millisecond), WithBlinkWindow(350*time.Millisecond))
	t.Cleanup(func() { d.Close() })
	return d
}

// appImage returns an image whose vector table points into the execution
// region.
func appImage(n int, entry uint32) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*7 + 3)
	}
	binary.LittleEndian.PutUint32(img[0:], 0x2001FFF0)
	binary.LittleEndian.PutUint32(img[4:], entry)
	return img
}

func TestBoot_NoApplication(t *testing.T) {
	d := newDevice(t, nil)

	res := d.Boot(context.Background())
	if res.Started() {
		t.Fatal("Boot() started an application on erased flash")
	}
	if !errors.Is(res.Err, boot.ErrNoApplication) {
		t.Errorf("Boot() error = %v, want ErrNoApplication", res.Err)
	}
	if res.Outcome != boot.OutcomeNothingPending {
		t.Errorf("Boot() outcome = %v, want nothing pending", res.Outcome)
	}
	if res.Blinks < 2 {
		t.Errorf("Boot() blinks = %d, want at least 2", res.Blinks)
	}
	if _, err := d.Link(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Link() error = %v, want ErrNotRunning", err)
	}
}

func TestSeedApplication(t *testing.T) {
	d := newDevice(t, nil)
	layout := d.Memory().Layout()

	seeded, err := d.SeedApplication()
	if err != nil || !seeded {
		t.Fatalf("SeedApplication() = %v, %v, want true, nil", seeded, err)
	}
	if seeded, _ := d.SeedApplication(); seeded {
		t.Error("SeedApplication() reseeded a valid vector table")
	}

	res := d.Boot(context.Background())
	if !res.Started() {
		t.Fatalf("Boot() error = %v", res.Err)
	}
	if res.SP != layout.RAM.End() {
		t.Errorf("Boot() sp = 0x%08X, want 0x%08X", res.SP, layout.RAM.End())
	}
	if want := layout.Execution.Start + 9; res.Entry != want {
		t.Errorf("Boot() entry = 0x%08X, want 0x%08X", res.Entry, want)
	}
}

func TestUpdateCycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := newDevice(t, nil)
	layout := d.Memory().Layout()
	if _, err := d.SeedApplication(); err != nil {
		t.Fatal(err)
	}
	if res := d.Boot(ctx); !res.Started() {
		t.Fatalf("first Boot() error = %v", res.Err)
	}

	link, err := d.Link()
	if err != nil {
		t.Fatal(err)
	}
	f := flasher.New(link, flasher.WithChunkSize(128))
	ident, err := f.Connect()
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if ident != "STM32F4-APP-BOOT" {
		t.Errorf("Connect() = %q", ident)
	}

	entry := layout.Execution.Start + 0x101
	img := appImage(1024, entry)
	if err := f.Update(img, 7); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := d.WaitReset(ctx); err != nil {
		t.Fatalf("WaitReset() error = %v", err)
	}

	res := d.Boot(ctx)
	if res.Outcome != boot.OutcomeCommitted {
		t.Errorf("Boot() outcome = %v, want committed", res.Outcome)
	}
	if !res.Started() || res.Entry != entry {
		t.Errorf("Boot() = %+v, want jump to 0x%08X", res, entry)
	}

	meta, err := d.Store().ReadMeta()
	if err != nil {
		t.Fatal(err)
	}
	if meta.Flag != store.FlagDone || meta.ImageSize != 1024 || meta.Version != 7 {
		t.Errorf("metadata = %+v", meta)
	}
	got := make([]byte, len(img))
	if _, err := d.Memory().ReadAt(got, layout.Execution.Start); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img) {
		t.Error("execution region differs from the uploaded image")
	}

	// A further power-on leaves the flash alone.
	before := d.Memory().Stats()
	res = d.Boot(ctx)
	if res.Outcome != boot.OutcomeNothingPending || !res.Started() {
		t.Errorf("third Boot() = %+v", res)
	}
	if after := d.Memory().Stats(); after != before {
		t.Errorf("third Boot() stats = %+v, want %+v", after, before)
	}

	link, err = d.Link()
	if err != nil {
		t.Fatal(err)
	}
	v, err := flasher.New(link).QueryVersion()
	if err != nil || v != 7 {
		t.Errorf("QueryVersion() = %d, %v, want 7", v, err)
	}
	if d.Boots() != 3 {
		t.Errorf("Boots() = %d, want 3", d.Boots())
	}
}

func TestLoadSaveFlash(t *testing.T) {
	layout := flash.DefaultLayout()
	path := filepath.Join(t.TempDir(), "flash.bin")

	mem, err := LoadFlash(path, layout)
	if err != nil {
		t.Fatalf("LoadFlash() missing file error = %v", err)
	}
	word, _ := flash.ReadWord(mem, layout.Execution.Start)
	if word != 0xFFFFFFFF {
		t.Errorf("fresh flash word = 0x%08X, want erased", word)
	}

	if err := mem.Patch(layout.Execution.Start, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := SaveFlash(path, mem); err != nil {
		t.Fatalf("SaveFlash() error = %v", err)
	}

	loaded, err := LoadFlash(path, layout)
	if err != nil {
		t.Fatalf("LoadFlash() error = %v", err)
	}
	word, _ = flash.ReadWord(loaded, layout.Execution.Start)
	if word != 0x04030201 {
		t.Errorf("loaded word = 0x%08X, want 0x04030201", word)
	}
}

func TestLink_ResendBeforeReply(t *testing.T) {
	d := newDevice(t, nil)
	if _, err := d.SeedApplication(); err != nil {
		t.Fatal(err)
	}
	if res := d.Boot(context.Background()); !res.Started() {
		t.Fatalf("Boot() error = %v", res.Err)
	}
	link, err := d.Link()
	if err != nil {
		t.Fatal(err)
	}

	// Every reply is still unread when the next handshake goes out.
	done := make(chan error, 1)
	go func() {
		_, err := flasher.New(link, flasher.WithAckTimeout(time.Microsecond), flasher.WithRetries(3)).Connect()
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Connect() with resends did not return")
	}

	ident, err := flasher.New(link).Connect()
	if err != nil {
		t.Fatalf("Connect() after resends error = %v", err)
	}
	if ident != "STM32F4-APP-BOOT" {
		t.Errorf("Connect() = %q", ident)
	}
}
