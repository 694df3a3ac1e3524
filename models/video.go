package models

import "time"

// VideoStatus is the terminal outcome of one video in a scrape pass.
type VideoStatus string

const (
	StatusPending VideoStatus = "pending"
	StatusDone    VideoStatus = "done"
	StatusSkipped VideoStatus = "skipped"
	StatusFailed  VideoStatus = "failed"
)

// Video is one listed video. Records live for a single scrape pass and are
// never persisted in the store.
type Video struct {
	ID           string      `csv:"id" json:"id"`
	URL          string      `csv:"url" json:"url"`
	DownloadURL  string      `csv:"download_url" json:"downloadUrl"`
	Caption      string      `csv:"caption" json:"caption"`
	Likes        int64       `csv:"likes" json:"likes"`
	Comments     int64       `csv:"comments" json:"comments"`
	Shares       int64       `csv:"shares" json:"shares"`
	Plays        int64       `csv:"plays" json:"plays"`
	Duration     int         `csv:"duration" json:"duration"`
	CreateTime   time.Time   `csv:"create_time" json:"createTime"`
	Author       string      `csv:"author" json:"author"`
	Downloaded   bool        `csv:"downloaded" json:"downloaded"`
	DownloadPath string      `csv:"download_path" json:"downloadPath,omitempty"`
	Status       VideoStatus `csv:"status" json:"status"`
	Error        string      `csv:"error" json:"error,omitempty"`
}

// MarkDone records a completed download at path.
func (v *Video) MarkDone(path string) {
	v.Downloaded = true
	v.DownloadPath = path
	v.Status = StatusDone
	v.Error = ""
}

// MarkSkipped records a video that was not downloaded for a non-error reason.
func (v *Video) MarkSkipped(reason string) {
	v.Downloaded = false
	v.DownloadPath = ""
	v.Status = StatusSkipped
	v.Error = reason
}

// MarkFailed records a video whose resolution or download failed.
func (v *Video) MarkFailed(err error) {
	v.Downloaded = false
	v.DownloadPath = ""
	v.Status = StatusFailed
	if err != nil {
		v.Error = err.Error()
	}
}

// ScrapeSummary holds the overall result of a scrape run.
type ScrapeSummary struct {
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	Channels         int       `json:"channels"`
	VideosFound      int       `json:"videosFound"`
	VideosDownloaded int       `json:"videosDownloaded"`
	VideosSkipped    int       `json:"videosSkipped"`
	VideosFailed     int       `json:"videosFailed"`
	ListingFailures  int       `json:"listingFailures"`
	FailedChannels   []string  `json:"failedChannels,omitempty"`
}

// Add folds one channel's video outcomes into the summary.
func (s *ScrapeSummary) Add(videos []*Video) {
	s.Channels++
	s.VideosFound += len(videos)
	for _, v := range videos {
		switch v.Status {
		case StatusDone:
			s.VideosDownloaded++
		case StatusFailed:
			s.VideosFailed++
		default:
			s.VideosSkipped++
		}
	}
}
