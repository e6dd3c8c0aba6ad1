package dlp

import (
	"io"
	"strings"
)

// StreamingRestore wraps src so that reads return the response body with
// every placeholder replaced by its original literal, even when a
// placeholder's bytes are split across the underlying reader's chunks.
//
// It keeps a tail of unemitted bytes equal to one byte less than the
// longest placeholder in rm, so that a placeholder prefix sitting at the
// end of one chunk is never flushed before the rest of it arrives. Safe to
// call with an empty RedactionMap: the reader is then a byte-for-byte
// passthrough.
func StreamingRestore(src io.ReadCloser, rm *RedactionMap) io.ReadCloser {
	if rm.IsEmpty() {
		return src
	}

	pr, pw := io.Pipe()
	go func() {
		defer src.Close()

		tailLen := rm.MaxPlaceholderLen() - 1
		if tailLen < 0 {
			tailLen = 0
		}
		replacer := buildReplacer(rm)

		var pending strings.Builder
		buf := make([]byte, 32*1024)
		for {
			n, readErr := src.Read(buf)
			if n > 0 {
				pending.Write(buf[:n])
				if flushErr := flushSafe(pw, &pending, replacer, tailLen); flushErr != nil {
					pw.CloseWithError(flushErr) //nolint:errcheck
					return
				}
			}
			if readErr != nil {
				if readErr == io.EOF {
					final := pending.String()
					if final != "" {
						if _, err := io.WriteString(pw, replacer.Replace(final)); err != nil {
							pw.CloseWithError(err) //nolint:errcheck
							return
						}
					}
					pw.Close() //nolint:errcheck
					return
				}
				pw.CloseWithError(readErr) //nolint:errcheck
				return
			}
		}
	}()
	return pr
}

// flushSafe emits every byte of pending except the trailing tailLen bytes,
// which might still be a placeholder prefix, replacing placeholders in the
// emitted portion first.
func flushSafe(w io.Writer, pending *strings.Builder, replacer *strings.Replacer, tailLen int) error {
	data := pending.String()
	if len(data) <= tailLen {
		return nil
	}
	safeLen := len(data) - tailLen
	safe := data[:safeLen]
	rest := data[safeLen:]

	if _, err := io.WriteString(w, replacer.Replace(safe)); err != nil {
		return err
	}
	pending.Reset()
	pending.WriteString(rest)
	return nil
}

func buildReplacer(rm *RedactionMap) *strings.Replacer {
	oldnew := make([]string, 0, 2*len(rm.Placeholders()))
	for ph, lit := range rm.Placeholders() {
		oldnew = append(oldnew, ph, lit)
	}
	return strings.NewReplacer(oldnew...)
}
