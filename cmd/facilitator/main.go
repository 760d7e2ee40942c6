// Command facilitator runs the x402 EVM exact-scheme facilitator as a
// standalone HTTP service: POST /verify, POST /settle, GET /supported,
// GET /health.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	x402 "github.com/tzapac/tzapac-x402-permit2"
	"github.com/tzapac/tzapac-x402-permit2/chainid"
	"github.com/tzapac/tzapac-x402-permit2/compliance"
	"github.com/tzapac/tzapac-x402-permit2/mechanisms/evm"
	evmv1 "github.com/tzapac/tzapac-x402-permit2/mechanisms/evm/v1"
)

const defaultPort = "4022"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	evmPrivateKey := os.Getenv("EVM_PRIVATE_KEY")
	if evmPrivateKey == "" {
		log.Fatal("EVM_PRIVATE_KEY environment variable is required")
	}
	rpcURL := os.Getenv("EVM_RPC_URL")
	if rpcURL == "" {
		rpcURL = "https://sepolia.base.org"
		log.Printf("using default RPC URL: %s", rpcURL)
	}
	v1Network := os.Getenv("EVM_V1_NETWORK")
	if v1Network == "" {
		v1Network = "base-sepolia"
	}

	ctx := context.Background()
	provider, err := evm.NewEthClientProvider(ctx, rpcURL, strings.Split(evmPrivateKey, ","), 1)
	if err != nil {
		log.Fatalf("failed to connect provider: %v", err)
	}

	v1ChainID, err := chainid.FromV1Name(v1Network)
	if err != nil {
		log.Fatalf("unsupported EVM_V1_NETWORK %q: %v", v1Network, err)
	}
	network := x402.Network(v1ChainID.String())

	v2Facilitator, err := evm.NewExactEvmFacilitator(ctx, provider, network, 2)
	if err != nil {
		log.Fatalf("failed to build v2 facilitator: %v", err)
	}
	v1Facilitator, err := evmv1.NewFacilitator(ctx, provider, v1Network)
	if err != nil {
		log.Fatalf("failed to build v1 facilitator: %v", err)
	}

	complianceGate, err := compliance.NewFromEnv()
	if err != nil {
		log.Fatalf("failed to configure compliance gate: %v", err)
	}

	facilitator := x402.Newx402Facilitator().
		WithCompliance(complianceGate).
		RegisterScheme(chainid.Exact(v1ChainID), v2Facilitator).
		RegisterSchemeV1(chainid.Exact(v1ChainID), v1Facilitator)

	log.Printf("facilitator account(s): %v", provider.GetAddresses())
	log.Printf("connected to chain id: %s (%s)", v1ChainID.String(), v1Network)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())

	router.POST("/verify", func(c *gin.Context) {
		var req x402.VerifyRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
			return
		}
		response, err := facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
		if err != nil {
			log.Printf("[%s] verify error: %v", requestID(c), err)
			c.JSON(http.StatusOK, x402.VerifyResponse{IsValid: false, InvalidReason: err.Error()})
			return
		}
		c.JSON(http.StatusOK, response)
	})

	router.POST("/settle", func(c *gin.Context) {
		var req x402.SettleRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
			return
		}
		response, err := facilitator.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
		if err != nil {
			log.Printf("[%s] settle error: %v", requestID(c), err)
			c.JSON(http.StatusOK, x402.SettleResponse{Success: false, ErrorReason: err.Error()})
			return
		}
		c.JSON(http.StatusOK, response)
	})

	router.GET("/supported", func(c *gin.Context) {
		c.JSON(http.StatusOK, facilitator.GetSupported())
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"network":     string(network),
			"facilitator": "go",
		})
	})

	log.Printf("facilitator listening on :%s (network=%s)", port, network)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}

// requestIDMiddleware stamps every request with a correlation id, threaded
// through log lines the same way compliance audit records carry their own
// uuid.NewString() id.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get("requestID"); ok {
		return id.(string)
	}
	return ""
}
