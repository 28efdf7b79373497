package atlas

import (
	"github.com/veiloq/forgekit/config"
	"go.uber.org/zap"
)

// WithAtlas configures the kit to apply schema through Atlas migrations,
// using the HCL path from WithAtlasHCLPath (default "atlas.hcl"). The
// migrator logs through its own logger during Apply; the nop logger here
// only covers option processing.
func WithAtlas() config.Option {
	return func(sts *config.Settings) {
		sts.SetMigrator(NewMigrator(sts.AtlasHCLPath(), zap.NewNop()))
	}
}
