package main

import (
	"github.com/rs/zerolog"

	"github.com/gbear605/manifold/internal/model"
)

func logThread(logger zerolog.Logger, contractID string, comments []model.Comment) {
	logger.Info().Str("contractID", contractID).Int("comments", len(comments)).Msg("thread updated")
	for _, c := range comments {
		logger.Info().
			Str("commentID", c.ID).
			Str("user", c.UserName).
			Time("created", c.CreatedTime).
			Msg(c.Content)
	}
}
