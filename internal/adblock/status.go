package adblock

import "time"

// Status is an immutable snapshot of one session, safe to read from any
// goroutine.
type Status struct {
	IsActive             bool      `json:"isActive"`
	IsShowingAd          bool      `json:"isShowingAd"`
	IsMidroll            bool      `json:"isMidroll"`
	IsStrippingSegments  bool      `json:"isStrippingSegments"`
	NumStrippedSegments  int64     `json:"numStrippedSegments"`
	ActivePlayerIdentity string    `json:"activePlayerIdentity,omitempty"`
	ChannelName          string    `json:"channelName"`
	IsUsingFallbackMode  bool      `json:"isUsingFallbackMode"`
	AdStartTime          time.Time `json:"adStartTime,omitzero"`

	Phase            Phase  `json:"phase"`
	ReloadSuppressed bool   `json:"reloadSuppressed"`
	LastError        string `json:"lastError,omitempty"`
}

// inactiveStatus is reported for channels without a session.
func inactiveStatus(channel string) Status {
	return Status{ChannelName: channel, Phase: PhaseNormal}
}

func (s *Session) snapshot() Status {
	return Status{
		IsActive:             true,
		IsShowingAd:          s.inAd(),
		IsMidroll:            s.IsMidroll,
		IsStrippingSegments:  s.StrippingActive,
		NumStrippedSegments:  s.StrippedCount,
		ActivePlayerIdentity: s.ActiveIdentity,
		ChannelName:          s.Channel,
		IsUsingFallbackMode:  s.FallbackActive,
		AdStartTime:          s.AdStartedAt,
		Phase:                s.Phase,
		ReloadSuppressed:     s.ReloadSuppressed,
		LastError:            s.LastError,
	}
}
