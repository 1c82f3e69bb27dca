package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/bigbag/papyrix-ota/internal/updater"
)

// maxFormValue bounds a non-file multipart field.
const maxFormValue = 64

type bodyCloser struct {
	r *http.Request
}

// Close aborts the request body so a blocked read returns.
func (b bodyCloser) Close() error {
	return b.r.Body.Close()
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	commitTimeout, ignore, err := s.queryOptions(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := s.session(commitTimeout, ignore)
	if err != nil {
		writeText(w, createStatus(err), err.Error())
		return
	}
	defer c.Free()
	c.AttachConn(bodyCloser{r: r})

	var res updater.Result
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		res = s.multipart(c, r)
	} else {
		s.logger.Info("update upload started", "session", c.ID(), "size", r.ContentLength)
		res = updater.Stream(c, r.Body, 0, nil)
	}

	writeText(w, resultStatus(res), res.Message)
	s.afterUpdate(c, res)
}

// multipart streams the file part into c. Form fields may come before or
// after the file; commit_timeout is honoured either way.
func (s *Server) multipart(c *updater.Context, r *http.Request) updater.Result {
	mr, err := r.MultipartReader()
	if err != nil {
		return c.Abort(err.Error())
	}

	sawFile := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.Abort("Read error: " + err.Error())
		}

		if part.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(part, maxFormValue))
			part.Close()
			if err != nil {
				return c.Abort("Read error: " + err.Error())
			}
			s.logger.Debug("form field", "name", part.FormName(), "value", string(value))
			if part.FormName() == "commit_timeout" {
				d, err := parseSeconds(strings.TrimSpace(string(value)))
				if err != nil {
					return c.Abort(err.Error())
				}
				c.SetCommitTimeout(d)
			}
			continue
		}

		if sawFile || c.Finished() {
			// Only the first file is the package.
			io.Copy(io.Discard, part)
			part.Close()
			continue
		}
		sawFile = true

		s.logger.Info("update upload started", "session", c.ID(), "file", part.FileName())
		_, err = updater.Feed(c, part, 0, nil)
		part.Close()
		if err != nil {
			return c.Abort("Read error: " + err.Error())
		}
	}

	if c.Finished() {
		return c.Result()
	}
	return updater.Complete(c)
}
