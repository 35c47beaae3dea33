package util

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to the upper cased flag name, e.g. --listen-address -> PL_LISTEN_ADDRESS
const EnvPrefix = "PL_"

// SetFlagsFromEnvVars reads and updates flag values from environment variables with prefix PL_. Flags set on the
// command line are left untouched.
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}

		envName := EnvPrefix + flagNameToUpper(f.Name)
		value, present := os.LookupEnv(envName)
		if !present {
			return
		}

		if err := flags.Set(f.Name, value); err != nil {
			log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envName, err)
		}
	})
}

// flagNameToUpper converts a flag name to its corresponding base env name
// replacing dashes by underscores and making the result uppercase
// E.g. listen-address -> LISTEN_ADDRESS
func flagNameToUpper(cmdFlag string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
