package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/cache"
	"github.com/CberYellowstone/geminiproxy/internal/executor"
	"github.com/CberYellowstone/geminiproxy/internal/mimesniff"
)

// refKeys lists the fields a fileData node may use to name its file, in
// resolution order.
var refKeys = [...]string{"fileUri", "file_uri", "fileName", "file_name"}

// fileRef is one fileData node in a decoded payload, pinned to the cache
// entry its reference resolved to. The node pointer lets rewriteReferences
// mutate the payload in place.
type fileRef struct {
	node   map[string]any
	ref    string
	digest string
}

// decodeBody parses the request body into a generic object. Numbers stay
// json.Number so re-marshaling preserves their exact text.
func decodeBody(body json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("empty body: %w", ErrInvalidPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidPayload)
	}
	return doc, nil
}

// collectReferences walks the decoded payload and resolves every fileData
// node against the registry. A reference the registry cannot resolve fails
// the whole request.
func (o *Orchestrator) collectReferences(node any) ([]fileRef, error) {
	var refs []fileRef
	if err := o.walkReferences(node, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (o *Orchestrator) walkReferences(node any, refs *[]fileRef) error {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if key == "fileData" || key == "file_data" {
				if fd, ok := child.(map[string]any); ok {
					if err := o.resolveNode(fd, refs); err != nil {
						return err
					}
					continue
				}
			}
			if err := o.walkReferences(child, refs); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range v {
			if err := o.walkReferences(child, refs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) resolveNode(fd map[string]any, refs *[]fileRef) error {
	ref := referenceIn(fd)
	if ref == "" {
		// No name at all; nothing to resolve or rewrite.
		return nil
	}
	entry, ok := o.registry.Resolve(ref)
	if !ok {
		return fmt.Errorf("unknown file reference %q: %w", ref, cache.ErrNotFound)
	}
	*refs = append(*refs, fileRef{node: fd, ref: ref, digest: entry.Digest})
	return nil
}

// referenceIn returns the first populated reference field of a fileData node.
func referenceIn(fd map[string]any) string {
	for _, key := range refKeys {
		if s, ok := fd[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// rewriteReferences repoints every fileData node at the executor's remote
// copy. Each entry is re-read from the registry so a rewrite after a rebuild
// picks up the fresh remote names.
func (o *Orchestrator) rewriteReferences(refs []fileRef, executorID string) error {
	for _, r := range refs {
		entry, ok := o.registry.Get(r.digest)
		if !ok {
			return fmt.Errorf("file reference %q: %w", r.ref, cache.ErrNotFound)
		}
		remote, ok := entry.RemoteFor(executorID)
		if !ok {
			return fmt.Errorf("digest %s not synced on executor %s: %w", r.digest, executorID, executor.ErrExecutorGone)
		}
		uri := remote.URI
		if uri == "" {
			uri = remote.Name
		}
		if uri == "" {
			o.logger.Warn("synced replica has no remote uri, reference left untouched",
				zap.String("digest", r.digest),
				zap.String("executor_id", executorID))
			continue
		}
		r.node["fileUri"] = uri
		delete(r.node, "fileName")
		delete(r.node, "file_name")
		delete(r.node, "file_uri")
	}
	return nil
}

// repairMimeTypes fixes untrustworthy declared mime types on the fileData
// nodes of a generation body, preferring the type stored in the registry and
// falling back to the reference's extension. The original key form (camel or
// snake case) is preserved.
func (o *Orchestrator) repairMimeTypes(doc map[string]any) {
	contents, _ := doc["contents"].([]any)
	for _, c := range contents {
		content, ok := c.(map[string]any)
		if !ok {
			continue
		}
		parts, _ := content["parts"].([]any)
		for _, p := range parts {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			fd, ok := part["fileData"].(map[string]any)
			if !ok {
				if fd, ok = part["file_data"].(map[string]any); !ok {
					continue
				}
			}
			o.repairNode(fd)
		}
	}
}

func (o *Orchestrator) repairNode(fd map[string]any) {
	mimeKey := "mimeType"
	if _, snake := fd["mime_type"]; snake {
		mimeKey = "mime_type"
	}
	declared, _ := fd[mimeKey].(string)

	ref := referenceIn(fd)
	if !mimesniff.ShouldCorrect(declared, ref) {
		return
	}

	corrected := ""
	if entry, ok := o.registry.Resolve(ref); ok && entry.MimeType != "" {
		corrected = entry.MimeType
	} else if ref != "" {
		corrected = mimesniff.FromExtension(ref)
	}
	if corrected == "" || corrected == declared {
		return
	}

	o.logger.Debug("corrected declared mime type",
		zap.String("ref", ref),
		zap.String("from", declared),
		zap.String("to", corrected))
	fd[mimeKey] = corrected
}
