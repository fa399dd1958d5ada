package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voyageingest/internal/model"
)

func validBundle() *model.Bundle {
	return &model.Bundle{
		Voyage: model.Voyage{
			VoyageSlug:    "1933-04-23-roosevelt-franklin-fishing-trip",
			Title:         "Fishing Trip",
			StartDate:     "1933-04-23",
			StartTime:     "09:30",
			EndTime:       "17:00:30",
			VoyageType:    "official",
			President:     "Franklin D. Roosevelt",
			PresidentSlug: "roosevelt-franklin",
		},
		Passengers: []model.Passenger{
			{PersonSlug: "hopkins-harry", FullName: "Harry Hopkins", BirthYear: "1890"},
		},
		Media: []model.Media{
			{
				MediaSlug:       "1933-04-23-white-house-1933-04-23-roosevelt-franklin-fishing-trip-01",
				Credit:          "White House",
				Date:            "1933-04-23",
				GoogleDriveLink: "https://drive.google.com/file/d/abc123/view",
			},
		},
	}
}

func registry() Registry {
	return Registry{
		Slugs:  map[string]bool{"roosevelt-franklin": true},
		ByName: map[string]string{"franklin d. roosevelt": "roosevelt-franklin"},
	}
}

func TestValidBundlePasses(t *testing.T) {
	res := Bundle(validBundle(), registry(), zap.NewNop())
	assert.True(t, res.Valid())
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestAllErrorsReportedTogether(t *testing.T) {
	b := validBundle()
	b.Voyage.Title = ""
	b.Voyage.StartTime = "9:30"
	b.Voyage.VoyageType = "pleasure"
	b.Passengers[0].BirthYear = "about 1890"
	res := Bundle(b, registry(), zap.NewNop())
	require.False(t, res.Valid())
	assert.Len(t, res.Errors, 4)
}

func TestVoyageSlugPrefixRule(t *testing.T) {
	b := validBundle()
	b.Voyage.VoyageSlug = "1933-04-23-wrong-president-fishing-trip"
	res := Bundle(b, registry(), zap.NewNop())
	require.False(t, res.Valid())
	assert.Contains(t, res.Errors[0], "voyage_slug should start with '1933-04-23-roosevelt-franklin-'")
}

func TestUnknownPresidentIsWarningOnly(t *testing.T) {
	b := validBundle()
	b.Voyage.President = "Calvin Coolidge"
	b.Voyage.PresidentSlug = "coolidge-calvin"
	b.Voyage.VoyageSlug = "1933-04-23-coolidge-calvin-fishing-trip"
	b.Media[0].MediaSlug = "1933-04-23-white-house-1933-04-23-coolidge-calvin-fishing-trip-01"
	res := Bundle(b, registry(), zap.NewNop())
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "coolidge-calvin")
}

func TestPersonSlugShape(t *testing.T) {
	b := validBundle()
	b.Passengers[0].PersonSlug = "Hopkins"
	res := Bundle(b, registry(), zap.NewNop())
	require.False(t, res.Valid())
	assert.Contains(t, res.Errors[0], "invalid person slug")

	b = validBundle()
	b.Passengers[0].PersonSlug = "" // optional
	res = Bundle(b, registry(), zap.NewNop())
	assert.True(t, res.Valid())
}

func TestMediaRules(t *testing.T) {
	b := validBundle()
	b.Media[0].GoogleDriveLink = "https://example.com/x.jpg"
	res := Bundle(b, registry(), zap.NewNop())
	require.False(t, res.Valid())
	assert.Contains(t, res.Errors[0], "Google Drive")

	b = validBundle()
	b.Media[0].GoogleDriveLink = "https://www.dropbox.com/s/xyz/photo.jpg?dl=0"
	res = Bundle(b, registry(), zap.NewNop())
	assert.True(t, res.Valid())

	b = validBundle()
	b.Media[0].Credit = ""
	b.Media[0].Date = ""
	res = Bundle(b, registry(), zap.NewNop())
	assert.Len(t, res.Errors, 2)
}

func TestMediaSlugMustEmbedVoyageSlug(t *testing.T) {
	b := validBundle()
	b.Media[0].MediaSlug = "1933-04-23-white-house-some-other-voyage-01"
	res := Bundle(b, registry(), zap.NewNop())
	require.False(t, res.Valid())
	assert.Contains(t, res.Errors[0], "must contain voyage slug")

	b = validBundle()
	b.Media[0].MediaSlug = "1933-04-23-white-house-1933-04-23-roosevelt-franklin-fishing-trip-1"
	res = Bundle(b, registry(), zap.NewNop())
	require.False(t, res.Valid())
	assert.Contains(t, res.Errors[0], "end with -NN")
}

func TestSupportedMediaLink(t *testing.T) {
	assert.True(t, SupportedMediaLink("https://drive.google.com/file/d/abc/view"))
	assert.True(t, SupportedMediaLink("https://www.DROPBOX.com/s/x/y.png?dl=0"))
	assert.False(t, SupportedMediaLink("https://example.com/a.png"))
}
