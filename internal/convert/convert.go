// Package convert decodes uploaded images and optionally normalizes their
// encoding to a single target format.
//
// Decoding doubles as the only content validation the service performs: if
// the bytes don't decode as a supported image, the upload is refused.
// Animated GIFs survive passthrough but flatten to their first frame when a
// target format is forced.
package convert

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	// decode-only formats
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/keithlinneman/imgdrop/internal/xerrors"
)

var (
	ErrUnsupportedFormat = xerrors.New("unsupported image format")
	ErrUnsupportedTarget = xerrors.New("unsupported target format")
)

// Result is a decoded, possibly re-encoded upload.
type Result struct {
	Data        []byte
	Format      string // final encoding: png, jpeg, gif, webp, bmp, tiff
	ContentType string
	Width       int
	Height      int
}

// jpegQuality matches the encoder default most image hosts settle on.
const jpegQuality = 85

// Normalize decodes data and re-encodes it to target ("png" or "jpeg").
// An empty target keeps the original bytes and encoding, decode still runs
// so malformed input is rejected. Returns ErrUnsupportedFormat when the
// input doesn't decode and ErrUnsupportedTarget for unknown targets.
func Normalize(data []byte, target string) (*Result, error) {
	switch target {
	case "", "png", "jpeg":
	default:
		return nil, xerrors.Wrapf(ErrUnsupportedTarget, "target %q", target)
	}

	img, srcFormat, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, xerrors.Wrap(ErrUnsupportedFormat, err.Error())
	}

	b := img.Bounds()
	res := &Result{
		Width:  b.Dx(),
		Height: b.Dy(),
	}

	// passthrough: no target, or already in the target encoding
	if target == "" || target == srcFormat {
		res.Data = data
		res.Format = srcFormat
		res.ContentType = ContentTypeFor(srcFormat)
		return res, nil
	}

	var buf bytes.Buffer
	switch target {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "encode %s", target)
	}

	res.Data = buf.Bytes()
	res.Format = target
	res.ContentType = ContentTypeFor(target)
	return res, nil
}

// ContentTypeFor maps a decoded format name to its MIME type.
func ContentTypeFor(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// ExtFor maps a format name to the file extension used by the disk store.
func ExtFor(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "":
		return "bin"
	default:
		return format
	}
}
