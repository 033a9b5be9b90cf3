package domain

// Channel is the delivery medium of a job or of a single send log row.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelKakao Channel = "KAKAO"
	// ChannelBoth is only valid on a SendJob; it fans out to one row per medium.
	ChannelBoth Channel = "BOTH"
)

// ValidForJob reports whether c can be requested on a SendJob.
func (c Channel) ValidForJob() bool {
	switch c {
	case ChannelSMS, ChannelKakao, ChannelBoth:
		return true
	}
	return false
}

// ValidForLog reports whether c is a concrete medium a single row can use.
func (c Channel) ValidForLog() bool {
	return c == ChannelSMS || c == ChannelKakao
}

// Expand returns the concrete media a job channel fans out to, in row order.
func (c Channel) Expand() []Channel {
	switch c {
	case ChannelBoth:
		return []Channel{ChannelSMS, ChannelKakao}
	case ChannelSMS, ChannelKakao:
		return []Channel{c}
	}
	return nil
}
