package models

import "time"

// NewAccount maps a fetched profile onto an account row.
func NewAccount(p Profile, now time.Time) Account {
	return Account{
		ID:             p.ID,
		Username:       p.Username,
		DisplayName:    p.Nickname,
		Bio:            p.Signature,
		FollowerCount:  p.FollowerCount,
		FollowingCount: p.FollowingCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MergeAccount applies the non-empty fields of incoming onto existing.
// CreatedAt is never moved; UpdatedAt always follows incoming.
func MergeAccount(existing, incoming Account) Account {
	merged := existing
	if merged.ID == "" {
		merged.ID = incoming.ID
	}
	if incoming.Username != "" {
		merged.Username = incoming.Username
	}
	if incoming.DisplayName != "" {
		merged.DisplayName = incoming.DisplayName
	}
	if incoming.Bio != "" {
		merged.Bio = incoming.Bio
	}
	if incoming.FollowerCount != 0 {
		merged.FollowerCount = incoming.FollowerCount
	}
	if incoming.FollowingCount != 0 {
		merged.FollowingCount = incoming.FollowingCount
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = incoming.CreatedAt
	}
	if !incoming.UpdatedAt.IsZero() {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	return merged
}

// NewVideo maps a fetched item onto a video row.
func NewVideo(accountID string, it Item, now time.Time) Video {
	return Video{
		ID:           it.ID,
		AccountID:    accountID,
		Caption:      it.Desc,
		CreateTime:   time.Unix(it.CreateTime, 0).UTC(),
		LikeCount:    it.Statistics.LikeCount,
		CommentCount: it.Statistics.CommentCount,
		ViewCount:    it.Statistics.ViewCount,
		ShareCount:   it.Statistics.ShareCount,
		CollectedAt:  now,
	}
}

// NewSnapshot builds the hourly metrics row for an item observed at now.
func NewSnapshot(it Item, now time.Time) VideoMetricsHourly {
	return VideoMetricsHourly{
		VideoID:      it.ID,
		Hour:         now.UTC().Truncate(time.Hour),
		LikeCount:    it.Statistics.LikeCount,
		CommentCount: it.Statistics.CommentCount,
		ViewCount:    it.Statistics.ViewCount,
		ShareCount:   it.Statistics.ShareCount,
		CollectedAt:  now,
	}
}
