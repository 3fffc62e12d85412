package registry

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"stevedore/internal/mirror"
	"stevedore/internal/ref"
	"stevedore/internal/store"
)

func (s *Server) handleBase(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, mirror.CodeNotFound, "not found")
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reference := r.PathValue("reference")

	log.Debug().Str("method", r.Method).Str("name", name).Str("reference", reference).Msg("Manifest request")

	dgst, ok := ref.ParseDigest(reference)
	if !ok {
		tag, tagOK := ref.ParseTag(reference)
		if !tagOK {
			writeError(w, http.StatusNotFound, mirror.CodeManifestUnknown, "manifest unknown to registry")
			return
		}

		resolved, err := s.mirror.ResolveTag(r.Context(), name, tag)
		if err != nil {
			log.Error().Err(err).Str("name", name).Str("tag", string(tag)).Msg("Failed to resolve tag")
			writeError(w, http.StatusInternalServerError, mirror.CodeInternalError, err.Error())
			return
		}
		if resolved == "" {
			writeError(w, http.StatusNotFound, mirror.CodeManifestUnknown, "manifest unknown to registry")
			return
		}
		dgst = resolved
	}

	resp, err := s.mirror.ServeManifest(r.Context(), r.Method, name, dgst, readOptions(r))
	if err != nil {
		log.Error().Err(err).Str("name", name).Str("digest", dgst.String()).Msg("Failed to serve manifest")
		writeError(w, http.StatusInternalServerError, mirror.CodeInternalError, err.Error())
		return
	}
	resp.Write(w)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	dgst, ok := ref.ParseDigest(r.PathValue("digest"))
	if !ok {
		writeError(w, http.StatusNotFound, mirror.CodeBlobUnknown, "blob unknown to registry")
		return
	}

	log.Debug().Str("method", r.Method).Str("name", name).Str("digest", dgst.String()).Msg("Blob request")

	resp, err := s.mirror.ServeBlob(r.Context(), r.Method, name, dgst, readOptions(r))
	if err != nil {
		log.Error().Err(err).Str("name", name).Str("digest", dgst.String()).Msg("Failed to serve blob")
		writeError(w, http.StatusInternalServerError, mirror.CodeInternalError, err.Error())
		return
	}
	resp.Write(w)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reference := r.PathValue("reference")

	tag, ok := ref.ParseTag(reference)
	if !ok {
		writeError(w, http.StatusBadRequest, mirror.CodeManifestInvalid, "reference is not a valid tag")
		return
	}

	log.Info().Str("name", name).Str("tag", string(tag)).Msg("Import requested")

	dgst, err := s.mirror.Import(r.Context(), name, tag)
	if err != nil {
		log.Error().Err(err).Str("name", name).Str("tag", string(tag)).Msg("Import failed")
		writeError(w, http.StatusInternalServerError, mirror.CodeInternalError, err.Error())
		return
	}

	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"name":   name,
		"digest": dgst.String(),
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	mirror.ErrorResponse(status, code, message).Write(w)
}

// readOptions extracts the conditional and range parameters of the
// inbound request for the store.
func readOptions(r *http.Request) *store.ReadOptions {
	opts := &store.ReadOptions{
		IfNoneMatch: r.Header.Get("If-None-Match"),
	}
	opts.Range = parseRange(r.Header.Get("Range"))
	if opts.IfNoneMatch == "" && opts.Range == nil {
		return nil
	}
	return opts
}

// parseRange understands single-window byte ranges: bytes=A-B and
// bytes=A-. Anything else is ignored and served as a full read.
func parseRange(header string) *store.ByteRange {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil
	}
	if endStr == "" {
		return &store.ByteRange{Offset: start}
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil
	}
	return &store.ByteRange{Offset: start, Length: end - start + 1}
}
