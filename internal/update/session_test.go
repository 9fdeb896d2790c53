package update

import (
	"context"
	"hash/crc32"
	"testing"

	"github.com/pkg/errors"

	"github.com/bigbag/iap-flasher/internal/flash"
	"github.com/bigbag/iap-flasher/internal/store"
)

var errInjected = errors.New("injected failure")

type failingErase struct {
	*flash.Memory
}

func (d failingErase) EraseSector(int) error {
	return errInjected
}

// failingSector fails erases of one sector only.
type failingSector struct {
	*flash.Memory
	sector int
}

func (d failingSector) EraseSector(index int) error {
	if index == d.sector {
		return errInjected
	}
	return d.Memory.EraseSector(index)
}

type fixture struct {
	mem    *flash.Memory
	st     *store.Store
	s      *Session
	resets int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := flash.DefaultLayout()
	f := &fixture{mem: flash.NewMemory(layout)}
	f.st = store.New(f.mem, layout)
	f.s = New(f.st, ResetFunc(func() { f.resets++ }))
	return f
}

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*7 + 3)
	}
	return img
}

// drain runs deferred processing to completion and returns the step count.
func drain(s *Session) int {
	steps := 0
	for s.Armed() {
		s.ProcessDeferred(context.Background())
		steps++
		if steps > 10 {
			break
		}
	}
	return steps
}

func TestStart_InvalidSize(t *testing.T) {
	f := newFixture(t)

	for _, size := range []uint32{0, f.st.StagingCapacity() + 1, f.st.ExecutionCapacity() + 4} {
		if err := f.s.Start(size, 0, 1); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("Start(%d) error = %v, want ErrInvalidParameter", size, err)
		}
		if f.s.State() != StateIdle {
			t.Errorf("State() after Start(%d) = %s, want idle", size, f.s.State())
		}
	}
}

func TestStart_EraseFailure(t *testing.T) {
	layout := flash.DefaultLayout()
	st := store.New(failingErase{flash.NewMemory(layout)}, layout)
	s := New(st, ResetFunc(func() {}))

	err := s.Start(16, 0, 1)
	if !errors.Is(err, store.ErrFlash) {
		t.Fatalf("Start() error = %v, want store.ErrFlash", err)
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %s, want idle", s.State())
	}
}

func TestStart_ErasesStaging(t *testing.T) {
	f := newFixture(t)
	layout := f.st.Layout()
	if err := f.mem.Patch(layout.Staging.Start, []byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	if err := f.s.Start(16, 0, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	w, _ := flash.ReadWord(f.mem, layout.Staging.Start)
	if w != 0xFFFFFFFF {
		t.Errorf("staging word after Start = 0x%08X, want erased", w)
	}
	if f.s.State() != StateReceiving {
		t.Errorf("State() = %s, want receiving", f.s.State())
	}
}

func TestReceiveChunk_Errors(t *testing.T) {
	f := newFixture(t)

	if err := f.s.ReceiveChunk(0, []byte{1}); !errors.Is(err, ErrState) {
		t.Errorf("ReceiveChunk() while idle error = %v, want ErrState", err)
	}

	if err := f.s.Start(64, 0, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	tests := []struct {
		name   string
		offset uint32
		data   []byte
	}{
		{"empty", 0, nil},
		{"unaligned", 2, []byte{1, 2}},
		{"past end", 60, make([]byte, 8)},
		{"overflow", 0xFFFFFFFC, make([]byte, 8)},
	}
	for _, tc := range tests {
		if err := f.s.ReceiveChunk(tc.offset, tc.data); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("ReceiveChunk(%s) error = %v, want ErrInvalidParameter", tc.name, err)
		}
	}
	if f.s.ReceivedSize() != 0 {
		t.Errorf("ReceivedSize() = %d, want 0", f.s.ReceivedSize())
	}
}

func TestRequestFinish_CompletenessGate(t *testing.T) {
	f := newFixture(t)
	img := testImage(1024)

	if err := f.s.RequestFinish(); !errors.Is(err, ErrState) {
		t.Errorf("RequestFinish() while idle error = %v, want ErrState", err)
	}

	if err := f.s.Start(uint32(len(img)), crc32.ChecksumIEEE(img), 7); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Out of order, with the first chunk held back.
	order := []int{3, 1, 7, 2, 6, 4, 5}
	for _, i := range order {
		off := i * 128
		if err := f.s.ReceiveChunk(uint32(off), img[off:off+128]); err != nil {
			t.Fatalf("ReceiveChunk(%d) error = %v", off, err)
		}
	}
	if got := f.s.ReceivedSize(); got != 1024 {
		t.Errorf("ReceivedSize() = %d, want 1024 (high-water mark)", got)
	}
	// The high-water mark reaches the total even with a hole at 0. The CRC
	// check later rejects such an image.
	if err := f.s.ReceiveChunk(0, img[:128]); err != nil {
		t.Fatalf("ReceiveChunk(0) error = %v", err)
	}

	if err := f.s.RequestFinish(); err != nil {
		t.Fatalf("RequestFinish() error = %v", err)
	}
	if f.s.State() != StateFinishRequested || !f.s.Armed() {
		t.Errorf("after RequestFinish: state = %s armed = %v", f.s.State(), f.s.Armed())
	}
	if st := f.mem.Stats(); st.Erases != 2 {
		t.Errorf("erases after RequestFinish = %d, want 2 (staging only)", st.Erases)
	}
}

func TestRequestFinish_Incomplete(t *testing.T) {
	f := newFixture(t)
	img := testImage(256)

	if err := f.s.Start(256, crc32.ChecksumIEEE(img), 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.s.ReceiveChunk(0, img[:128]); err != nil {
		t.Fatalf("ReceiveChunk() error = %v", err)
	}
	if err := f.s.RequestFinish(); !errors.Is(err, ErrState) {
		t.Errorf("RequestFinish() error = %v, want ErrState", err)
	}
	if f.s.State() != StateReceiving || f.s.Armed() {
		t.Errorf("state = %s armed = %v, want receiving and disarmed", f.s.State(), f.s.Armed())
	}
}

func TestProcessDeferred_Commit(t *testing.T) {
	f := newFixture(t)
	img := testImage(1000)
	crc := crc32.ChecksumIEEE(img)

	if f.s.ProcessDeferred(context.Background()) {
		t.Error("ProcessDeferred() with nothing armed = true")
	}

	if err := f.s.Start(uint32(len(img)), crc, 7); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for off := 0; off < len(img); off += 256 {
		end := off + 256
		if end > len(img) {
			end = len(img)
		}
		if err := f.s.ReceiveChunk(uint32(off), img[off:end]); err != nil {
			t.Fatalf("ReceiveChunk(%d) error = %v", off, err)
		}
	}
	if err := f.s.RequestFinish(); err != nil {
		t.Fatalf("RequestFinish() error = %v", err)
	}

	if steps := drain(f.s); steps != 3 {
		t.Errorf("deferred steps = %d, want 3", steps)
	}
	if f.resets != 1 {
		t.Errorf("resets = %d, want 1", f.resets)
	}
	if f.s.State() != StateFinished {
		t.Errorf("State() = %s, want finished", f.s.State())
	}

	meta, err := f.st.ReadMeta()
	if err != nil {
		t.Fatalf("ReadMeta() error = %v", err)
	}
	want := store.Metadata{Flag: store.FlagValid, ImageSize: 1000, ImageCRC: crc, Version: 7}
	if meta != want {
		t.Errorf("ReadMeta() = %+v, want %+v", meta, want)
	}

	if err := f.s.Start(16, 0, 1); !errors.Is(err, ErrState) {
		t.Errorf("Start() after finish error = %v, want ErrState", err)
	}
}

func TestProcessDeferred_CRCMismatch(t *testing.T) {
	f := newFixture(t)
	img := testImage(512)

	if err := f.s.Start(512, crc32.ChecksumIEEE(img)^1, 2); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.s.ReceiveChunk(0, img); err != nil {
		t.Fatalf("ReceiveChunk() error = %v", err)
	}
	if err := f.s.RequestFinish(); err != nil {
		t.Fatalf("RequestFinish() error = %v", err)
	}

	if more := f.s.ProcessDeferred(context.Background()); more {
		t.Error("ProcessDeferred() = true after CRC mismatch")
	}
	if f.s.Armed() || f.s.State() != StateIdle {
		t.Errorf("armed = %v state = %s, want disarmed idle", f.s.Armed(), f.s.State())
	}
	if !errors.Is(f.s.Failure(), ErrVerify) {
		t.Errorf("Failure() = %v, want ErrVerify", f.s.Failure())
	}
	if f.resets != 0 {
		t.Errorf("resets = %d, want 0", f.resets)
	}
	meta, _ := f.st.ReadMeta()
	if meta.Flag != store.FlagEmpty {
		t.Errorf("metadata flag = %s, want EMPTY", meta.Flag)
	}

	// The session accepts a fresh transfer afterwards.
	if err := f.s.Start(512, crc32.ChecksumIEEE(img), 3); err != nil {
		t.Errorf("Start() after failure error = %v", err)
	}
}

func TestProcessDeferred_MetadataWriteFailure(t *testing.T) {
	layout := flash.DefaultLayout()
	sector, ok := layout.SectorIndex(layout.MetaAddr)
	if !ok {
		t.Fatal("metadata address outside every sector")
	}
	st := store.New(failingSector{flash.NewMemory(layout), sector}, layout)
	resets := 0
	s := New(st, ResetFunc(func() { resets++ }))

	img := testImage(256)
	if err := s.Start(256, crc32.ChecksumIEEE(img), 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.ReceiveChunk(0, img); err != nil {
		t.Fatalf("ReceiveChunk() error = %v", err)
	}
	if err := s.RequestFinish(); err != nil {
		t.Fatalf("RequestFinish() error = %v", err)
	}

	if steps := drain(s); steps != 2 {
		t.Errorf("deferred steps = %d, want 2", steps)
	}
	if s.Armed() || s.State() != StateIdle {
		t.Errorf("armed = %v state = %s, want disarmed idle", s.Armed(), s.State())
	}
	if !errors.Is(s.Failure(), store.ErrFlash) {
		t.Errorf("Failure() = %v, want ErrFlash", s.Failure())
	}
	if resets != 0 {
		t.Errorf("resets = %d, want 0", resets)
	}
	meta, err := st.ReadMeta()
	if err != nil {
		t.Fatalf("ReadMeta() error = %v", err)
	}
	if meta.Flag != store.FlagEmpty {
		t.Errorf("metadata flag = %s, want EMPTY", meta.Flag)
	}
}

func TestStart_DuringFinishRequested(t *testing.T) {
	f := newFixture(t)
	img := testImage(64)

	if err := f.s.Start(64, crc32.ChecksumIEEE(img), 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.s.ReceiveChunk(0, img); err != nil {
		t.Fatalf("ReceiveChunk() error = %v", err)
	}
	if err := f.s.RequestFinish(); err != nil {
		t.Fatalf("RequestFinish() error = %v", err)
	}

	if err := f.s.Start(64, 0, 2); !errors.Is(err, ErrState) {
		t.Errorf("Start() error = %v, want ErrState", err)
	}
	if err := f.s.ReceiveChunk(0, img); !errors.Is(err, ErrState) {
		t.Errorf("ReceiveChunk() error = %v, want ErrState", err)
	}
	if !f.s.Armed() {
		t.Error("Armed() = false, deferred work was dropped")
	}
}

func TestStart_RestartDiscardsProgress(t *testing.T) {
	f := newFixture(t)

	if err := f.s.Start(256, 0, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.s.ReceiveChunk(0, testImage(128)); err != nil {
		t.Fatalf("ReceiveChunk() error = %v", err)
	}
	if err := f.s.Start(128, 0, 2); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if f.s.ReceivedSize() != 0 || f.s.TotalSize() != 128 {
		t.Errorf("after restart received = %d total = %d, want 0 and 128", f.s.ReceivedSize(), f.s.TotalSize())
	}
	if f.s.State() != StateReceiving {
		t.Errorf("State() = %s, want receiving", f.s.State())
	}
}
