package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

var zipMagic = []byte("PK\x03\x04")

func sniffZip(_ string, head []byte) bool {
	return bytes.HasPrefix(head, zipMagic)
}

// openZip serves every .asc, or .bil with its .hdr, in the archive as one
// time step. Sidecars are matched by member stem.
func openZip(_ context.Context, archive string, opts Options) (Source, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, &domain.CorruptSourceError{Path: archive, Reason: "open zip archive", Err: err}
	}

	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[strings.ToLower(f.Name)] = f
	}
	sidecar := func(name, ext string) *zip.File {
		return byName[strings.ToLower(strings.TrimSuffix(name, path.Ext(name))+ext)]
	}

	var members []member
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		ext := strings.ToLower(path.Ext(f.Name))
		if ext != ".asc" && ext != ".bil" {
			continue
		}
		label := archive + "#" + f.Name
		info := describe(f.Name, opts.StepLength)
		if !info.Dated {
			// A single-entry archive is often named for its date.
			if a := describe(archive, opts.StepLength); a.Dated {
				info = a
			}
		}

		prj := ""
		if pf := sidecar(f.Name, ".prj"); pf != nil {
			b, err := readZipFile(pf)
			if err != nil {
				zr.Close()
				return nil, &domain.CorruptSourceError{Path: label, Reason: "read .prj", Err: err}
			}
			prj = strings.TrimSpace(string(b))
		}

		var read func(context.Context) (domain.Grid, error)
		switch ext {
		case ".asc":
			read = func(context.Context) (domain.Grid, error) {
				rc, err := f.Open()
				if err != nil {
					return domain.Grid{}, &domain.CorruptSourceError{Path: label, Reason: "open member", Err: err}
				}
				defer rc.Close()
				return decodeASCII(rc, label)
			}
		case ".bil":
			hf := sidecar(f.Name, ".hdr")
			if hf == nil {
				zr.Close()
				return nil, &domain.CorruptSourceError{Path: label, Reason: "missing .hdr member"}
			}
			hb, err := readZipFile(hf)
			if err != nil {
				zr.Close()
				return nil, &domain.CorruptSourceError{Path: label, Reason: "read .hdr", Err: err}
			}
			h, err := parseBILHeader(bytes.NewReader(hb), label)
			if err != nil {
				zr.Close()
				return nil, err
			}
			if int64(f.UncompressedSize64) < h.size() {
				zr.Close()
				return nil, &domain.CorruptSourceError{
					Path:   label,
					Reason: fmt.Sprintf("header declares %d bytes, member has %d", h.size(), f.UncompressedSize64),
				}
			}
			read = func(context.Context) (domain.Grid, error) {
				payload, err := readZipFile(f)
				if err != nil {
					return domain.Grid{}, &domain.CorruptSourceError{Path: label, Reason: "read member", Err: err}
				}
				return decodeBIL(h, payload, label)
			}
		}

		decode := read
		members = append(members, member{
			name: label,
			time: info.Time,
			read: func(ctx context.Context) (domain.Grid, error) {
				g, err := decode(ctx)
				if err != nil {
					return domain.Grid{}, err
				}
				g.CRS = prj
				return finish(g, info, opts), nil
			},
		})
	}
	if len(members) == 0 {
		zr.Close()
		return nil, &domain.CorruptSourceError{Path: archive, Reason: "archive holds no .asc or .bil grids"}
	}
	return newMemberSource(archive, members, zr.Close), nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
