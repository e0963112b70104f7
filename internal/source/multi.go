package source

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// openMulti serves every file matching pattern as one time-ordered source.
// All files share the format of the first match. Step times come from file
// names; files whose names carry no date are opened to read their times.
func openMulti(ctx context.Context, pattern, hint string, opts Options) (Source, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", pattern, err)
	}
	if len(paths) == 0 {
		return nil, &domain.CorruptSourceError{Path: pattern, Reason: "pattern matches no files"}
	}

	f, err := resolve(paths[0], hint)
	if err != nil {
		return nil, err
	}
	log := opts.logger()

	var members []member
	for _, p := range paths {
		info := describe(p, opts.StepLength)
		if info.Dated {
			members = append(members, multiMember(f, p, 0, info.Time, opts))
			continue
		}

		src, err := f.open(ctx, p, opts)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		times, err := src.Times(ctx)
		src.Close()
		if err != nil {
			return nil, fmt.Errorf("list times of %s: %w", p, err)
		}
		for i, td := range times {
			members = append(members, multiMember(f, p, i, td, opts))
		}
	}

	log.Debug("opened file pattern", "pattern", pattern, "format", f.name, "files", len(paths), "steps", len(members))
	return newMemberSource(pattern, members, nil), nil
}

func multiMember(f format, path string, i int, td domain.TimeDescriptor, opts Options) member {
	return member{
		name: fmt.Sprintf("%s[%d]", path, i),
		time: td,
		read: func(ctx context.Context) (domain.Grid, error) {
			src, err := f.open(ctx, path, opts)
			if err != nil {
				return domain.Grid{}, err
			}
			defer src.Close()
			return src.ReadAt(ctx, i)
		},
	}
}
