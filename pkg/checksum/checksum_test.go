package checksum

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCalculateSHA256(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			// echo -n "hello" | sha256sum
			name:  "hello",
			input: "hello",
			want:  "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			// sha256("") = e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855
			name:  "empty string",
			input: "",
			want:  "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := strings.NewReader(tt.input)
			got, err := CalculateSHA256(reader)
			if err != nil {
				t.Fatalf("CalculateSHA256() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CalculateSHA256(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	t.Run("same input produces same hash", func(t *testing.T) {
		h1, _ := CalculateSHA256(strings.NewReader("consistent-input"))
		h2, _ := CalculateSHA256(strings.NewReader("consistent-input"))
		if h1 != h2 {
			t.Error("CalculateSHA256() returned different hashes for the same input")
		}
	})

	t.Run("different inputs produce different hashes", func(t *testing.T) {
		h1, _ := CalculateSHA256(strings.NewReader("input-a"))
		h2, _ := CalculateSHA256(strings.NewReader("input-b"))
		if h1 == h2 {
			t.Error("CalculateSHA256() returned same hash for different inputs")
		}
	})

	t.Run("binary data", func(t *testing.T) {
		data := []byte{0x00, 0x01, 0x02, 0x03, 0xFF}
		got, err := CalculateSHA256(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("CalculateSHA256() error: %v", err)
		}
		if len(got) != 64 {
			t.Errorf("CalculateSHA256() returned %d-char hex string, want 64", len(got))
		}
	})

	t.Run("returns lowercase hex", func(t *testing.T) {
		got, _ := CalculateSHA256(strings.NewReader("test"))
		for _, c := range got {
			if c >= 'A' && c <= 'F' {
				t.Errorf("CalculateSHA256() returned uppercase hex: %q", got)
				return
			}
		}
	})

	t.Run("read error is propagated", func(t *testing.T) {
		_, err := CalculateSHA256(errReader{})
		if err == nil {
			t.Error("CalculateSHA256() expected error from failing reader, got nil")
		}
	})
}

func TestSum(t *testing.T) {
	data := []byte("hello")
	want, err := CalculateSHA256(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("CalculateSHA256() error: %v", err)
	}
	if got := Sum(data); got != want {
		t.Errorf("Sum() = %q, want %q", got, want)
	}
}

func TestVerifySHA256(t *testing.T) {
	// sha256("hello")
	const helloHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	t.Run("matching checksum", func(t *testing.T) {
		if err := VerifySHA256(strings.NewReader("hello"), helloHash); err != nil {
			t.Errorf("VerifySHA256() error: %v", err)
		}
	})

	t.Run("uppercase expected digest matches", func(t *testing.T) {
		if err := VerifySHA256(strings.NewReader("hello"), strings.ToUpper(helloHash)); err != nil {
			t.Errorf("VerifySHA256() error: %v", err)
		}
	})

	t.Run("wrong checksum", func(t *testing.T) {
		err := VerifySHA256(strings.NewReader("hello"), "0000000000000000000000000000000000000000000000000000000000000000")
		if !errors.Is(err, ErrMismatch) {
			t.Errorf("VerifySHA256() error = %v, want ErrMismatch", err)
		}
	})

	t.Run("read error is propagated", func(t *testing.T) {
		err := VerifySHA256(errReader{}, helloHash)
		if err == nil || errors.Is(err, ErrMismatch) {
			t.Errorf("VerifySHA256() error = %v, want read error", err)
		}
	})
}

// errReader is an io.Reader that always returns an error.
type errReader struct{}

func (errReader) Read(_ []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
