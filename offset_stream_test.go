package vaultfs

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestOffsetStreamHidesPrefix(t *testing.T) {
	base := memFile(t)
	header := bytes.Repeat([]byte{'H'}, 100)
	if _, err := base.WriteAt(header, 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	s, err := NewOffsetStream(base, 100, true)
	if err != nil {
		t.Fatalf("NewOffsetStream() error = %v", err)
	}
	if size, _ := s.Size(); size != 0 {
		t.Errorf("Size() = %d, want 0", size)
	}

	if _, err := s.Write([]byte("payload")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if size, _ := s.Size(); size != 7 {
		t.Errorf("Size() = %d, want 7", size)
	}

	raw := make([]byte, 107)
	if _, err := base.ReadAt(raw, 0); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("base ReadAt() error = %v", err)
	}
	if !bytes.Equal(raw[:100], header) {
		t.Error("header bytes were modified")
	}
	if string(raw[100:]) != "payload" {
		t.Errorf("base payload = %q, want %q", raw[100:], "payload")
	}
}

func TestOffsetStreamShortBase(t *testing.T) {
	base := memFile(t)
	if _, err := base.WriteAt([]byte("abc"), 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	s, _ := NewOffsetStream(base, 4096, true)

	if size, err := s.Size(); err != nil || size != 0 {
		t.Errorf("Size() = %d, %v, want 0, nil", size, err)
	}
	if n, err := s.ReadAt(make([]byte, 4), 0); n != 0 || err != io.EOF {
		t.Errorf("ReadAt() = %d, %v, want 0, io.EOF", n, err)
	}
}

func TestOffsetStreamSeek(t *testing.T) {
	s, _ := NewOffsetStream(memFile(t), 16, true)
	if _, err := s.Write(make([]byte, 10)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	tests := []struct {
		name    string
		offset  int64
		whence  int
		want    int64
		wantErr error
	}{
		{"start", 3, io.SeekStart, 3, nil},
		{"current", 2, io.SeekCurrent, 5, nil},
		{"end", -1, io.SeekEnd, 9, nil},
		{"before start", -20, io.SeekEnd, 0, ErrInvalidSeek},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Seek(tt.offset, tt.whence)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Seek() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Seek() = %d, %v, want %d", got, err, tt.want)
			}
		})
	}
}

func TestOffsetStreamTruncateClampsPosition(t *testing.T) {
	base := memFile(t)
	s, _ := NewOffsetStream(base, 8, true)
	s.Write(make([]byte, 100))

	if err := s.Truncate(40); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	pos, _ := s.Seek(0, io.SeekCurrent)
	if pos != 40 {
		t.Errorf("position = %d, want 40", pos)
	}
	if end, _ := base.Seek(0, io.SeekEnd); end != 48 {
		t.Errorf("base size = %d, want 48", end)
	}
}

func TestOffsetStreamRewriteKeepsUnsyncedData(t *testing.T) {
	s, _ := NewOffsetStream(memFile(t), 16, true)
	if _, err := s.WriteAt(bytes.Repeat([]byte{0xAA}, 1000), 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if _, err := s.WriteAt([]byte("0123456789"), 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	if size, err := s.Size(); err != nil || size != 1000 {
		t.Fatalf("Size() = %d, %v, want 1000", size, err)
	}
	got := make([]byte, 500)
	n, err := s.ReadAt(got, 500)
	if err != nil || n != 500 {
		t.Fatalf("ReadAt() = %d, %v, want 500, nil", n, err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0xAA}, 500)) {
		t.Error("bytes of the first write were lost")
	}
}

func TestOffsetStreamClose(t *testing.T) {
	t.Run("leave open", func(t *testing.T) {
		base := memFile(t)
		s, _ := NewOffsetStream(base, 0, true)
		if err := s.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if _, err := s.ReadAt(make([]byte, 1), 0); !errors.Is(err, ErrObjectDisposed) {
			t.Errorf("ReadAt() after Close error = %v, want ErrObjectDisposed", err)
		}
		if _, err := base.WriteAt([]byte("x"), 0); err != nil {
			t.Errorf("base unusable after Close: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close() error = %v", err)
		}
	})
}

func TestOffsetStreamProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("reads return what was written", prop.ForAll(
		func(data []byte, off int64) bool {
			s, _ := NewOffsetStream(memFile(t), 4096, true)
			if _, err := s.WriteAt(data, off); err != nil {
				return false
			}
			got := make([]byte, len(data))
			n, err := s.ReadAt(got, off)
			if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
				return false
			}
			return bytes.Equal(got[:n], data)
		},
		gen.SliceOfN(64, gen.UInt8()), gen.Int64Range(0, 8192),
	))

	properties.Property("writes extend the length", prop.ForAll(
		func(first, second []byte, off int64) bool {
			s, _ := NewOffsetStream(memFile(t), 512, true)
			if _, err := s.WriteAt(first, 0); err != nil {
				return false
			}
			if _, err := s.WriteAt(second, off); err != nil {
				return false
			}
			size, err := s.Size()
			return err == nil && size == max(int64(len(first)), off+int64(len(second)))
		},
		gen.SliceOfN(300, gen.UInt8()), gen.SliceOfN(20, gen.UInt8()), gen.Int64Range(0, 600),
	))

	properties.Property("length is base length minus offset", prop.ForAll(
		func(n int64, offset int64) bool {
			base := memFile(t)
			if err := base.Truncate(n); err != nil {
				return false
			}
			s, _ := NewOffsetStream(base, offset, true)
			size, err := s.Size()
			return err == nil && size == max(0, n-offset)
		},
		gen.Int64Range(0, 10000), gen.Int64Range(0, 5000),
	))

	properties.TestingRun(t)
}
