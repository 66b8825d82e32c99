package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// namedExt is one file's tag/extension pair, e.g. ("-system", ".wav").
type namedExt struct {
	tag string
	ext string
}

// candidatePath renders base+tag+ext, or that path with " (N)" inserted
// before ext when n > 0.
func candidatePath(base, tag, ext string, n int) string {
	if n == 0 {
		return base + tag + ext
	}
	return fmt.Sprintf("%s%s (%d)%s", base, tag, n, ext)
}

// sharedSuffixN finds the smallest N (0 meaning no suffix at all) at
// which none of files' candidate paths already exist on disk, so a
// whole session's output trio shares one " (N)" suffix instead of each
// file drifting to a different N on a partial collision.
func sharedSuffixN(base string, files []namedExt) int {
	for n := 0; ; n++ {
		collision := false
		for _, f := range files {
			if _, err := os.Stat(candidatePath(base, f.tag, f.ext, n)); err == nil {
				collision = true
				break
			}
		}
		if !collision {
			return n
		}
	}
}

// outputPaths bundles the five (or six, with mp3) files derived from
// one output_base_path at session-start time. All of them share a single
// disambiguating suffix, so two sessions started with the same base
// path produce two complete, coherently-numbered trios rather than a
// mix of "-system (1).wav" and "-mic.wav".
type outputPaths struct {
	System   string
	Mic      string
	Mix      string
	Log      string
	Manifest string
	MP3      string // empty when no MP3 requested
}

func newOutputPaths(base string, mp3Requested bool) outputPaths {
	joined := filepath.Join(filepath.Dir(base), filepath.Base(base))

	files := []namedExt{
		{"-system", ".wav"},
		{"-mic", ".wav"},
		{"-mix", ".wav"},
		{"", ".txt"},
		{"", ".session.yaml"},
	}
	if mp3Requested {
		files = append(files, namedExt{"", ".mp3"})
	}

	n := sharedSuffixN(joined, files)
	p := outputPaths{
		System:   candidatePath(joined, "-system", ".wav", n),
		Mic:      candidatePath(joined, "-mic", ".wav", n),
		Mix:      candidatePath(joined, "-mix", ".wav", n),
		Log:      candidatePath(joined, "", ".txt", n),
		Manifest: candidatePath(joined, "", ".session.yaml", n),
	}
	if mp3Requested {
		p.MP3 = candidatePath(joined, "", ".mp3", n)
	}
	return p
}
