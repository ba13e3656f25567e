package main

import (
	"context"
	"os"

	"github.com/go-kit/log/level"

	v1 "github.com/grafana/symbolicator/pkg/api/v1"
	"github.com/grafana/symbolicator/pkg/debuginfo"
	"github.com/grafana/symbolicator/pkg/precog"
	"github.com/grafana/symbolicator/pkg/resolver"
)

func readRequest(path string) (*v1.Request, error) {
	in, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return v1.DecodeRequest(in)
}

func symbolicate(ctx context.Context, path string) error {
	req, err := readRequest(path)
	if err != nil {
		return err
	}
	c, err := config()
	if err != nil {
		return err
	}
	st, err := newStack(c, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	resp, err := st.symbolizer.Symbolicate(ctx, req)
	if err != nil {
		return err
	}
	return v1.EncodeResponse(output(ctx), resp)
}

// presymbolicate resolves every address of the request and records the
// results keyed by module and relative address.
func presymbolicate(ctx context.Context, path, out string) error {
	req, err := readRequest(path)
	if err != nil {
		return err
	}
	c, err := config()
	if err != nil {
		return err
	}
	st, err := newStack(c, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	w := precog.NewWriter()
	for i, job := range req.Jobs {
		id, err := debuginfo.NewIdentity(job.ModuleIdentity)
		if err != nil {
			level.Warn(logger).Log("msg", "skipping job", "job", i, "err", err)
			continue
		}
		id.DebugName, id.Path = job.DebugName, job.Path
		mod, err := st.registry.Resolve(ctx, id)
		if err != nil {
			level.Warn(logger).Log("msg", "module unavailable", "module", id, "err", err)
			continue
		}
		var frames []debuginfo.Frame
		for _, addr := range job.Addresses {
			rva := addr
			if job.LoadBase != nil {
				if addr < *job.LoadBase {
					continue
				}
				rva = addr - *job.LoadBase
			}
			frames = resolver.AppendFrames(frames[:0], mod, rva)
			if err := w.Add(id, "", rva, frames); err != nil {
				return err
			}
		}
	}

	if out == "-" {
		return w.Encode(output(ctx))
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := w.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
