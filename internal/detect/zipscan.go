package detect

import (
	"archive/zip"
	"errors"
	"strings"
)

// mediaDirs are the directory names an export stores media under.
var mediaDirs = []string{"chat_media", "media"}

// CommonPrefix returns the single top-level directory shared by every entry
// name ("" when entries sit at the root or under different directories).
// A structural directory (html/, json/, a media dir) is never treated as a
// wrapper, since a split part may hold nothing else.
// Names are slash-separated, as in a zip central directory.
func CommonPrefix(names []string) string {
	p := commonTop(names)
	switch strings.TrimSuffix(p, "/") {
	case "html", "json", "chat_media", "media":
		return ""
	}
	return p
}

func commonTop(names []string) string {
	prefix := ""
	for i, n := range names {
		n = strings.TrimLeft(n, "/")
		slash := strings.IndexByte(n, '/')
		if slash <= 0 {
			return ""
		}
		top := n[:slash+1]
		if i == 0 {
			prefix = top
		} else if top != prefix {
			return ""
		}
	}
	return prefix
}

// markersFromNames classifies entry names after stripping the shared top
// directory.
func markersFromNames(names []string) markerSet {
	prefix := CommonPrefix(names)
	var m markerSet
	for _, n := range names {
		n = strings.TrimPrefix(strings.TrimLeft(n, "/"), prefix)
		switch {
		case n == "index.html":
			m.index = true
		case strings.HasPrefix(n, "html/"):
			m.pages = true
		case strings.HasPrefix(n, "json/"):
			m.json = true
		default:
			for _, d := range mediaDirs {
				if strings.HasPrefix(n, d+"/") {
					m.media = true
				}
			}
		}
	}
	return m
}

// scanZip reads only the central directory of an archive. A failure to open
// the archive is reported through ok=false, meaning the part is corrupted.
func scanZip(path string) (m markerSet, ok bool) {
	r, err := zip.OpenReader(path)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && r != nil) {
		return markerSet{}, false
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return markersFromNames(names), true
}
