package signature

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"agreementflow/audit"
	"agreementflow/party"
)

const (
	// MaxImageSize bounds the decoded signature image in bytes.
	MaxImageSize = 2 << 20
	// MaxImageDimension bounds the width and height of a signature image.
	MaxImageDimension = 4096
)

// ErrEmptySignature is matched by every EmptySignatureError.
var ErrEmptySignature = errors.New("signature: empty signature")

// EmptySignatureError reports a submitted signature that carries no strokes.
type EmptySignatureError struct {
	Role   party.Role
	Reason string
}

func (e *EmptySignatureError) Error() string {
	return fmt.Sprintf("signature: empty %s signature: %s", e.Role, e.Reason)
}

func (e *EmptySignatureError) Unwrap() error { return ErrEmptySignature }

// Record is one party's signature on an agreement. Image holds the rendered
// bytes until they are persisted; only ImageRef and ImageDigest are stored.
type Record struct {
	SignerRole  party.Role  `json:"signer_role"`
	Image       []byte      `json:"-"`
	ContentType string      `json:"content_type"`
	ImageRef    string      `json:"image_ref"`
	ImageDigest string      `json:"image_digest"`
	SignedAt    time.Time   `json:"signed_at"`
	Audit       audit.Entry `json:"audit"`
}

// Capturer turns raw signature pad output into a Record.
type Capturer struct {
	now func() time.Time
	// inkThreshold is the minimum alpha for a pixel to count as ink.
	inkThreshold uint32
	// maxLuma is the brightest a pixel may be and still count as ink.
	maxLuma uint32
}

// NewCapturer builds a Capturer using the wall clock.
func NewCapturer() *Capturer {
	return &Capturer{
		now:          time.Now,
		inkThreshold: 0x2000,
		maxLuma:      0xe000,
	}
}

// WithClock overrides the capturer's time source.
func (c *Capturer) WithClock(now func() time.Time) *Capturer {
	c.now = now
	return c
}

// Capture validates raw and returns a fresh, unpersisted Record for role.
// raw may be encoded PNG or JPEG bytes or a base64 data URL of either.
func (c *Capturer) Capture(role party.Role, raw []byte) (Record, error) {
	if _, err := party.ParseRole(string(role)); err != nil {
		return Record{}, fmt.Errorf("signature: %w", err)
	}

	data, err := decodeDataURL(raw)
	if err != nil {
		return Record{}, &EmptySignatureError{Role: role, Reason: err.Error()}
	}
	if len(data) == 0 {
		return Record{}, &EmptySignatureError{Role: role, Reason: "no image data"}
	}
	if len(data) > MaxImageSize {
		return Record{}, &EmptySignatureError{Role: role, Reason: "image too large"}
	}

	// Check the header before decoding so a small file cannot claim a huge canvas.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Record{}, &EmptySignatureError{Role: role, Reason: "unreadable image"}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Record{}, &EmptySignatureError{Role: role, Reason: "no image data"}
	}
	if cfg.Width > MaxImageDimension || cfg.Height > MaxImageDimension {
		return Record{}, &EmptySignatureError{Role: role, Reason: "image too large"}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Record{}, &EmptySignatureError{Role: role, Reason: "unreadable image"}
	}
	if !c.hasInk(img) {
		return Record{}, &EmptySignatureError{Role: role, Reason: "no strokes"}
	}

	return Record{
		SignerRole:  role,
		Image:       data,
		ContentType: "image/" + format,
		SignedAt:    c.now().UTC(),
	}, nil
}

func (c *Capturer) hasInk(img image.Image) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if a < c.inkThreshold {
				continue
			}
			// RGBA is alpha-premultiplied; un-premultiply before judging brightness.
			luma := (299*r + 587*g + 114*bl) / 1000
			luma = luma * 0xffff / a
			if luma <= c.maxLuma {
				return true
			}
		}
	}
	return false
}

func decodeDataURL(raw []byte) ([]byte, error) {
	s := string(bytes.TrimSpace(raw))
	if !strings.HasPrefix(s, "data:") {
		return raw, nil
	}
	meta, payload, ok := strings.Cut(s, ",")
	if !ok {
		return nil, errors.New("malformed data url")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, errors.New("data url is not base64 encoded")
	}
	out, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some signature pads drop the padding.
		if out, rerr := base64.RawStdEncoding.DecodeString(payload); rerr == nil {
			return out, nil
		}
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	return out, nil
}
