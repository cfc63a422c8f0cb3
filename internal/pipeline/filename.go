package pipeline

import (
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TranscodedFilename returns the name for a run's transcoded upload:
// {unix-millis}-{random}-{base without extension}.wav. The random part keeps
// concurrent runs of same-named objects from overwriting each other.
func TranscodedFilename(now time.Time, base string) string {
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" {
		stem = "audio"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix + "-" + stem + ".wav"
}

// OutputName joins the configured output prefix (or, when empty, the source
// object's directory) with filename.
func OutputName(prefix, sourceName, filename string) string {
	dir := strings.Trim(prefix, "/")
	if dir == "" {
		dir = path.Dir(sourceName)
		if dir == "." || dir == "/" {
			dir = ""
		}
	}
	if dir == "" {
		return filename
	}
	return path.Join(dir, filename)
}
