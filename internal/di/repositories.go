package di

import (
	"github.com/rs/zerolog"

	"github.com/collectivites/gsl/internal/modules/envelope"
	"github.com/collectivites/gsl/internal/modules/territory"
)

// InitializeRepositories creates the repositories used outside the engine.
// The engine builds and binds its own repositories per transaction.
func InitializeRepositories(container *Container, log zerolog.Logger) {
	conn := container.DB.Conn()

	container.EnvelopeRepo = envelope.NewRepository(conn, log)
	container.TerritoryRepo = territory.NewRepository(conn, log)

	log.Info().Msg("Repositories initialized")
}
