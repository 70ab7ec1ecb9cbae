package overpass

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/cityaccess/cityaccess/internal/facility"
)

// response is the decoded body of an Overpass JSON answer.
type response struct {
	Remark   string
	Elements []facility.Element
}

// decodeResponse walks the top-level object token by token so the elements
// array is decoded one node at a time instead of buffering the whole body.
// Unknown keys (version, generator, osm3s) are skipped.
func decodeResponse(ctx context.Context, r io.Reader) (*response, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, eris.Wrap(err, "overpass: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, eris.Errorf("overpass: expected '{', got %v", tok)
	}

	out := &response{}
	sawElements := false
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, eris.Wrap(err, "overpass: read key")
		}
		key, _ := keyTok.(string)

		switch key {
		case "elements":
			sawElements = true
			if err := decodeElements(ctx, dec, out); err != nil {
				return nil, err
			}
		case "remark":
			if err := dec.Decode(&out.Remark); err != nil {
				return nil, eris.Wrap(err, "overpass: decode remark")
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, eris.Wrapf(err, "overpass: skip %q", key)
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, eris.Wrap(err, "overpass: read closing token")
	}
	if !sawElements {
		return nil, eris.New("overpass: response has no elements array")
	}
	return out, nil
}

func decodeElements(ctx context.Context, dec *json.Decoder, out *response) error {
	tok, err := dec.Token()
	if err != nil {
		return eris.Wrap(err, "overpass: read elements token")
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return eris.Errorf("overpass: expected '[' for elements, got %v", tok)
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "overpass: context cancelled")
		}
		var el facility.Element
		if err := dec.Decode(&el); err != nil {
			return eris.Wrapf(err, "overpass: decode element %d", len(out.Elements))
		}
		out.Elements = append(out.Elements, el)
	}

	if _, err := dec.Token(); err != nil {
		return eris.Wrap(err, "overpass: read elements closing token")
	}
	return nil
}

// runtimeError reports whether remark is an Overpass server-side failure.
// Such answers are 200 OK with a truncated element list.
func runtimeError(remark string) bool {
	r := strings.ToLower(remark)
	return strings.Contains(r, "runtime error") || strings.Contains(r, "runtime remark: timeout")
}
