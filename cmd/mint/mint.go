package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chaumian/mint/cashu"
	"github.com/chaumian/mint/cashu/nuts/nut06"
	"github.com/chaumian/mint/mint"
	"github.com/chaumian/mint/mint/lightning"
	"github.com/chaumian/mint/mint/manager"
	"github.com/joho/godotenv"
)

func configFromEnv() (*mint.Config, error) {
	var inputFeePpk uint = 0
	if inputFeeEnv, ok := os.LookupEnv("INPUT_FEE_PPK"); ok {
		fee, err := strconv.ParseUint(inputFeeEnv, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid INPUT_FEE_PPK: %v", err)
		}
		inputFeePpk = uint(fee)
	}

	rotateKeyset := false
	if strings.ToLower(os.Getenv("ROTATE_KEYSET")) == "true" {
		rotateKeyset = true
	}

	port := uint(3338)
	if portEnv, ok := os.LookupEnv("MINT_PORT"); ok {
		parsedPort, err := strconv.ParseUint(portEnv, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid MINT_PORT: %v", err)
		}
		port = uint(parsedPort)
	}

	meltTimeout := time.Second * 60
	if timeoutEnv, ok := os.LookupEnv("MINT_MELT_TIMEOUT_SECONDS"); ok {
		parsedTimeout, err := strconv.ParseUint(timeoutEnv, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid MINT_MELT_TIMEOUT_SECONDS: %v", err)
		}
		meltTimeout = time.Duration(parsedTimeout) * time.Second
	}

	unit := cashu.Sat
	if unitEnv, ok := os.LookupEnv("MINT_UNIT"); ok {
		parsedUnit, err := cashu.UnitFromString(unitEnv)
		if err != nil {
			return nil, fmt.Errorf("invalid MINT_UNIT: %v", err)
		}
		unit = parsedUnit
	}

	var derivationPathIdx uint64
	if idxEnv, ok := os.LookupEnv("DERIVATION_PATH_IDX"); ok {
		idx, err := strconv.ParseUint(idxEnv, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid DERIVATION_PATH_IDX: %v", err)
		}
		derivationPathIdx = idx
	}

	mintPath := os.Getenv("MINT_DB_PATH")
	// if MINT_DB_PATH is empty, use $HOME/.gonuts/mint
	if len(mintPath) == 0 {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		mintPath = filepath.Join(homedir, ".gonuts", "mint")
	}

	mintLimits := mint.MintLimits{}
	if maxBalanceEnv, ok := os.LookupEnv("MAX_BALANCE"); ok {
		maxBalance, err := strconv.ParseUint(maxBalanceEnv, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_BALANCE: %v", err)
		}
		mintLimits.MaxBalance = maxBalance
	}

	if maxMintEnv, ok := os.LookupEnv("MINTING_MAX_AMOUNT"); ok {
		maxMint, err := strconv.ParseUint(maxMintEnv, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MINTING_MAX_AMOUNT: %v", err)
		}
		mintLimits.MintingSettings = mint.MintMethodSettings{MaxAmount: maxMint}
	}

	if maxMeltEnv, ok := os.LookupEnv("MELTING_MAX_AMOUNT"); ok {
		maxMelt, err := strconv.ParseUint(maxMeltEnv, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MELTING_MAX_AMOUNT: %v", err)
		}
		mintLimits.MeltingSettings = mint.MeltMethodSettings{MaxAmount: maxMelt}
	}

	mintInfo := mint.MintInfo{
		Name:            os.Getenv("MINT_NAME"),
		Description:     os.Getenv("MINT_DESCRIPTION"),
		LongDescription: os.Getenv("MINT_DESCRIPTION_LONG"),
		Motd:            os.Getenv("MINT_MOTD"),
	}

	contact := os.Getenv("MINT_CONTACT_INFO")
	var mintContactInfo []nut06.ContactInfo
	if len(contact) > 0 {
		var infoArr [][]string
		if err := json.Unmarshal([]byte(contact), &infoArr); err != nil {
			return nil, fmt.Errorf("error parsing contact info: %v", err)
		}

		for _, info := range infoArr {
			contactInfo := nut06.ContactInfo{Method: info[0], Info: info[1]}
			mintContactInfo = append(mintContactInfo, contactInfo)
		}
	}
	mintInfo.Contact = mintContactInfo

	if len(os.Getenv("MINT_ICON_URL")) > 0 {
		iconURL, err := url.Parse(os.Getenv("MINT_ICON_URL"))
		if err != nil {
			return nil, fmt.Errorf("invalid icon url: %v", err)
		}
		mintInfo.IconURL = iconURL.String()
	}

	urls := os.Getenv("MINT_URLS")
	if len(urls) > 0 {
		urlList := []string{}
		if err := json.Unmarshal([]byte(urls), &urlList); err != nil {
			return nil, fmt.Errorf("error parsing list of URLs: %v", err)
		}
		for _, urlString := range urlList {
			mintURL, err := url.Parse(urlString)
			if err != nil {
				return nil, fmt.Errorf("invalid url: %v", err)
			}
			mintInfo.URLs = append(mintInfo.URLs, mintURL.String())
		}
	}

	var lightningClient lightning.Client
	switch os.Getenv("LIGHTNING_BACKEND") {
	case "Lnd":
		lndClient, err := lightning.CreateLndClient()
		if err != nil {
			return nil, fmt.Errorf("error setting LND client: %v", err)
		}
		lightningClient = lndClient
	case "Cln":
		restURL := os.Getenv("CLN_REST_URL")
		if restURL == "" {
			return nil, errors.New("CLN_REST_URL cannot be empty")
		}
		rune := os.Getenv("CLN_RUNE")
		if rune == "" {
			return nil, errors.New("CLN_RUNE cannot be empty")
		}
		clnClient, err := lightning.SetupCLNClient(lightning.CLNConfig{RestURL: restURL, Rune: rune})
		if err != nil {
			return nil, fmt.Errorf("error setting CLN client: %v", err)
		}
		lightningClient = clnClient
	case "FakeBackend":
		lightningClient = &lightning.FakeBackend{}
	default:
		return nil, errors.New("invalid lightning backend")
	}

	enableMPP := false
	if strings.ToLower(os.Getenv("ENABLE_MPP")) == "true" {
		enableMPP = true
	}

	logLevel := mint.Info
	if strings.ToLower(os.Getenv("MINT_LOG_LEVEL")) == "debug" {
		logLevel = mint.Debug
	}

	enableAdminServer := false
	if strings.ToLower(os.Getenv("ENABLE_ADMIN_SERVER")) == "true" {
		enableAdminServer = true
	}

	return &mint.Config{
		Unit:              unit,
		DerivationPathIdx: uint32(derivationPathIdx),
		RotateKeyset:      rotateKeyset,
		Port:              port,
		MeltTimeout:       meltTimeout,
		MintPath:          mintPath,
		InputFeePpk:       inputFeePpk,
		MintInfo:          mintInfo,
		Limits:            mintLimits,
		LightningClient:   lightningClient,
		EnableMPP:         enableMPP,
		LogLevel:          logLevel,
		EnableAdminServer: enableAdminServer,
	}, nil
}

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Fatal("error loading .env file")
	}
	mintConfig, err := configFromEnv()
	if err != nil {
		log.Fatalf("error reading config: %v", err)
	}

	m, err := mint.LoadMint(*mintConfig)
	if err != nil {
		log.Fatalf("error loading mint: %v\n", err)
	}

	serverConfig := mint.ServerConfig{Port: mintConfig.Port, MeltTimeout: mintConfig.MeltTimeout}
	mintServer, err := mint.SetupMintServer(m, serverConfig)
	if err != nil {
		log.Fatalf("error starting mint server: %v", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	var adminServer *manager.Server

	go func() {
		<-c
		mintServer.Shutdown()
		// shutdown admin server if it was enabled
		if mintConfig.EnableAdminServer {
			adminServer.Shutdown()
		}
	}()

	var wg sync.WaitGroup
	if mintConfig.EnableAdminServer {
		adminServer, err = manager.SetupServer(m)
		if err != nil {
			log.Fatalf("error setting up admin server: %v\n", err)
		}

		wg.Add(1)
		go func() {
			if err := adminServer.Start(); err != nil {
				log.Fatalf("error running admin server: %v\n", err)
			}
			wg.Done()
		}()
	}

	wg.Add(1)
	go func() {
		if err := mintServer.Start(); err != nil {
			log.Fatalf("error running mint: %v\n", err)
		}
		wg.Done()
	}()

	wg.Wait()
}
