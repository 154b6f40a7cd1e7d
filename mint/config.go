package mint

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chaumian/mint/cashu"
	"github.com/chaumian/mint/cashu/nuts/nut06"
	"github.com/chaumian/mint/mint/lightning"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

// MintInfo is operator-supplied metadata about the mint, surfaced to
// wallets via NUT-06. It is distinct from nut06.MintInfo, which is the
// wire shape; SetMintInfo folds this into that shape together with the
// supported-NUTs table and per-(unit,method) limits.
type MintInfo struct {
	Name            string
	Description     string
	LongDescription string
	Motd            string
	Contact         []nut06.ContactInfo
}

type Config struct {
	MintPath string
	LogLevel LogLevel

	// Unit is the currency the mint's active keyset at startup is
	// denominated in. Keysets of other units already rotated into the db
	// (from a previous run with a different Unit) keep the active flag they
	// were saved with, so an active one stays active for its unit.
	Unit              cashu.Unit
	DerivationPathIdx uint32
	InputFeePpk       uint
	Limits            MintLimits
	LightningClient   lightning.Client
	MintInfo          MintInfo

	// RotateKeyset forces DerivationPathIdx to advance past any keyset
	// already on disk for Unit, so LoadMint activates a freshly derived
	// keyset instead of reusing the last active one.
	RotateKeyset bool

	// Port the mint's HTTP server listens on.
	Port uint
	// MeltTimeout bounds how long a melt request waits on the lightning
	// backend before returning the quote in its current state.
	MeltTimeout time.Duration
	// EnableMPP advertises and accepts NUT-15 multi-part melt quotes.
	EnableMPP bool
	// EnableAdminServer starts the operator-only admin HTTP API alongside
	// the mint's NUT HTTP API.
	EnableAdminServer bool
}

type MintMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MeltMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MintLimits struct {
	MaxBalance      uint64
	MintingSettings MintMethodSettings
	MeltingSettings MeltMethodSettings
}

// GetConfig reads mint configuration from the environment. It does not
// construct a lightning.Client; cmd/mint wires that from its own flags
// and passes it in on Config.LightningClient.
func GetConfig() Config {
	var inputFeePpk uint = 0
	if inputFeeEnv, ok := os.LookupEnv("INPUT_FEE_PPK"); ok {
		fee, err := strconv.ParseUint(inputFeeEnv, 10, 16)
		if err != nil {
			log.Fatalf("invalid INPUT_FEE_PPK: %v", err)
		}
		inputFeePpk = uint(fee)
	}

	var derivationPathIdx uint64
	if idxEnv, ok := os.LookupEnv("DERIVATION_PATH_IDX"); ok {
		idx, err := strconv.ParseUint(idxEnv, 10, 32)
		if err != nil {
			log.Fatalf("invalid DERIVATION_PATH_IDX: %v", err)
		}
		derivationPathIdx = idx
	}

	mintLimits := MintLimits{}
	if maxBalanceEnv, ok := os.LookupEnv("MAX_BALANCE"); ok {
		maxBalance, err := strconv.ParseUint(maxBalanceEnv, 10, 64)
		if err != nil {
			log.Fatalf("invalid MAX_BALANCE: %v", err)
		}
		mintLimits.MaxBalance = maxBalance
	}
	if maxMintEnv, ok := os.LookupEnv("MINTING_MAX_AMOUNT"); ok {
		maxMint, err := strconv.ParseUint(maxMintEnv, 10, 64)
		if err != nil {
			log.Fatalf("invalid MINTING_MAX_AMOUNT: %v", err)
		}
		mintLimits.MintingSettings = MintMethodSettings{MaxAmount: maxMint}
	}
	if maxMeltEnv, ok := os.LookupEnv("MELTING_MAX_AMOUNT"); ok {
		maxMelt, err := strconv.ParseUint(maxMeltEnv, 10, 64)
		if err != nil {
			log.Fatalf("invalid MELTING_MAX_AMOUNT: %v", err)
		}
		mintLimits.MeltingSettings = MeltMethodSettings{MaxAmount: maxMelt}
	}

	logLevel := Info
	switch os.Getenv("MINT_LOG_LEVEL") {
	case "debug":
		logLevel = Debug
	case "disable":
		logLevel = Disable
	}

	unit := cashu.Sat
	if unitEnv, ok := os.LookupEnv("MINT_UNIT"); ok {
		parsed, err := cashu.UnitFromString(unitEnv)
		if err != nil {
			log.Fatalf("invalid MINT_UNIT: %v", err)
		}
		unit = parsed
	}

	var contact []nut06.ContactInfo
	if contactEnv := os.Getenv("MINT_CONTACT_INFO"); len(contactEnv) > 0 {
		if err := json.Unmarshal([]byte(contactEnv), &contact); err != nil {
			log.Fatalf("invalid MINT_CONTACT_INFO: %v", err)
		}
	}

	port := uint(3338)
	if portEnv, ok := os.LookupEnv("MINT_PORT"); ok {
		parsedPort, err := strconv.ParseUint(portEnv, 10, 16)
		if err != nil {
			log.Fatalf("invalid MINT_PORT: %v", err)
		}
		port = uint(parsedPort)
	}

	meltTimeout := time.Second * 60
	if timeoutEnv, ok := os.LookupEnv("MINT_MELT_TIMEOUT_SECONDS"); ok {
		parsedTimeout, err := strconv.ParseUint(timeoutEnv, 10, 32)
		if err != nil {
			log.Fatalf("invalid MINT_MELT_TIMEOUT_SECONDS: %v", err)
		}
		meltTimeout = time.Duration(parsedTimeout) * time.Second
	}

	return Config{
		MintPath:          os.Getenv("MINT_PATH"),
		LogLevel:          logLevel,
		Unit:              unit,
		DerivationPathIdx: uint32(derivationPathIdx),
		InputFeePpk:       inputFeePpk,
		Limits:            mintLimits,
		RotateKeyset:      strings.ToLower(os.Getenv("ROTATE_KEYSET")) == "true",
		Port:              port,
		MeltTimeout:       meltTimeout,
		EnableMPP:         strings.ToLower(os.Getenv("ENABLE_MPP")) == "true",
		EnableAdminServer: strings.ToLower(os.Getenv("ENABLE_ADMIN_SERVER")) == "true",
		MintInfo: MintInfo{
			Name:            os.Getenv("MINT_NAME"),
			Description:     os.Getenv("MINT_DESCRIPTION"),
			LongDescription: os.Getenv("MINT_DESCRIPTION_LONG"),
			Motd:            os.Getenv("MINT_MOTD"),
			Contact:         contact,
		},
	}
}
