// Package exif extracts capture metadata from photo headers at intake.
// Capture time matters for inventory: a session counts the slot as of when
// the photo was taken, not when the pipeline got around to processing it.
package exif

import (
	"bytes"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// CaptureInfo is the subset of EXIF data the pipeline records on a session.
type CaptureInfo struct {
	CapturedAt  time.Time
	CameraModel string
}

// Extract decodes EXIF metadata from photo bytes. Only the metadata segments
// are read. Photos without usable EXIF are common (stripped by upload
// tooling), so a decode failure returns an empty CaptureInfo, not an error.
func Extract(photo []byte) CaptureInfo {
	exifData, err := imagemeta.Decode(bytes.NewReader(photo))
	if err != nil {
		log.Debug().Err(err).Msg("No EXIF metadata in photo")
		return CaptureInfo{}
	}

	var info CaptureInfo

	// Date fallback chain: DateTimeOriginal > CreateDate > ModifyDate.
	switch {
	case !exifData.DateTimeOriginal().IsZero():
		info.CapturedAt = exifData.DateTimeOriginal()
	case !exifData.CreateDate().IsZero():
		info.CapturedAt = exifData.CreateDate()
	case !exifData.ModifyDate().IsZero():
		info.CapturedAt = exifData.ModifyDate()
	}

	camMake := strings.TrimSpace(exifData.Make)
	camModel := strings.TrimSpace(exifData.Model)
	switch {
	case camMake != "" && camModel != "" && !strings.HasPrefix(camModel, camMake):
		info.CameraModel = camMake + " " + camModel
	case camModel != "":
		info.CameraModel = camModel
	default:
		info.CameraModel = camMake
	}
	return info
}
