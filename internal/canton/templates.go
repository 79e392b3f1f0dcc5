package canton

import (
	"encoding/json"
	"fmt"
	"time"
)

// Template identifiers as "Module:Entity". The package id prefix is
// resolved participant-side; CIP-56 interface ids carry an explicit,
// configured package id instead.
const (
	TplAttestationRequest       = "MintedBridge:AttestationRequest"
	TplSignedAttestation        = "MintedBridge:SignedAttestation"
	TplValidatorSelfAttestation = "MintedBridge:ValidatorSelfAttestation"
	TplBridgeInRequest          = "MintedBridge:BridgeInRequest"
	TplBridgeOutRequest         = "MintedBridge:BridgeOutRequest"
	TplRedemptionRequest        = "MintedRedemption:RedemptionRequest"
	TplRedemptionSettlement     = "MintedRedemption:RedemptionEthereumSettlement"
	TplWrappedHolding           = "MintedMUSD:WrappedHolding"
	TplTransferProposal         = "MintedMUSD:TransferProposal"
	TplComplianceRegistry       = "MintedMUSD:ComplianceRegistry"
	TplStakingPoolService       = "MintedPools:StakingPoolService"
	TplETHPoolService           = "MintedPools:ETHPoolService"
	TplCIP56MintedMUSD          = "MintedCIP56:CIP56MintedMUSD"
)

// Choice names exercised by the relay.
const (
	ChoiceAttestationSign     = "Attestation_Sign"
	ChoiceAttestationComplete = "Attestation_Complete"
	ChoiceAddSignature        = "SignedAttestation_AddSignature"
	ChoiceBridgeInComplete    = "BridgeIn_Complete"
	ChoiceBridgeInCancel      = "BridgeIn_Cancel"
	ChoiceBridgeOutComplete   = "BridgeOut_Complete"
	ChoiceTransfer            = "Transfer"
	ChoiceAccept              = "Accept"
	ChoiceReceiveYield        = "ReceiveYield"
	ChoiceETHPoolReceiveYield = "ETHPool_ReceiveYield"
	ChoiceFactoryTransfer     = "TransferFactory_Transfer"
	ChoiceInstructionAccept   = "TransferInstruction_Accept"
)

// CIP56TemplateID builds a fully qualified interface id for the configured
// transfer-factory package.
func CIP56TemplateID(packageID, entity string) string {
	return fmt.Sprintf("%s:Splice.Api.Token.TransferInstruction:%s", packageID, entity)
}

// SignedAttestation mirrors the Ledger payload of a signed attestation
// assigned to the operator.
type SignedAttestation struct {
	Operator           string               `json:"operator"`
	AttestationID      string               `json:"attestationId"`
	Nonce              json.Number          `json:"nonce"`
	ChainID            json.Number          `json:"chainId"`
	GlobalLedgerAssets string               `json:"globalLedgerAssets"`
	ExpiresAt          time.Time            `json:"expiresAt"`
	Entropy            string               `json:"entropy"`
	LedgerStateHash    string               `json:"ledgerStateHash"`
	Direction          string               `json:"direction"`
	Signatures         []ValidatorSignature `json:"signatures"`
}

// ValidatorSignature is one validator's ECDSA signature over the
// attestation digest, either raw 65-byte r||s||v or ASN.1 DER hex.
type ValidatorSignature struct {
	Validator string    `json:"validator"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signedAt"`
}

// BridgeInRequest is created by the relay for each confirmed Chain
// bridge-out event. Validators/RequiredSignatures are present only on
// attestation-gated schema versions.
type BridgeInRequest struct {
	Operator           string      `json:"operator"`
	User               string      `json:"user"`
	Amount             string      `json:"amount"`
	FeeAmount          string      `json:"feeAmount"`
	SourceChainID      json.Number `json:"sourceChainId"`
	Nonce              json.Number `json:"nonce"`
	CreatedAt          time.Time   `json:"createdAt"`
	Status             string      `json:"status"`
	Validators         []string    `json:"validators,omitempty"`
	RequiredSignatures *int        `json:"requiredSignatures,omitempty"`
}

// BridgeOutRequest is a Ledger mint request awaiting off-chain asset
// movement into the Chain treasury.
type BridgeOutRequest struct {
	Operator  string    `json:"operator"`
	User      string    `json:"user"`
	Amount    string    `json:"amount"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// RedemptionRequest is a Ledger redemption awaiting a Chain-side mint.
type RedemptionRequest struct {
	Operator   string    `json:"operator"`
	User       string    `json:"user"`
	MusdBurned string    `json:"musdBurned"`
	UsdcOwed   string    `json:"usdcOwed"`
	FeeAmount  string    `json:"feeAmount"`
	CreatedAt  time.Time `json:"createdAt"`
	Fulfilled  bool      `json:"fulfilled"`
}

// RedemptionSettlement is the operator-signed marker proving Chain-side
// settlement; it doubles as cross-restart idempotency.
type RedemptionSettlement struct {
	Operator      string    `json:"operator"`
	User          string    `json:"user"`
	RedemptionCid string    `json:"redemptionCid"`
	RecipientEth  string    `json:"recipientEth"`
	AmountPaid    string    `json:"amountPaid"`
	EthTxHash     string    `json:"ethTxHash"`
	SettledAt     time.Time `json:"settledAt"`
}

// WrappedHolding is the Ledger-native mUSD token. The agreementUri is the
// primary idempotency key for bridge-in-induced holdings.
type WrappedHolding struct {
	Issuer        string   `json:"issuer"`
	Owner         string   `json:"owner"`
	Amount        string   `json:"amount"`
	AgreementHash string   `json:"agreementHash"`
	AgreementURI  string   `json:"agreementUri"`
	Observers     []string `json:"observers"`
}

// TransferProposal is the pending move of a WrappedHolding.
type TransferProposal struct {
	Issuer   string `json:"issuer"`
	Owner    string `json:"owner"`
	NewOwner string `json:"newOwner"`
	Amount   string `json:"amount"`
}

// DecodePayload unmarshals a contract payload into dst.
func DecodePayload(c Contract, dst any) error {
	if err := json.Unmarshal(c.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload of %s: %w", c.TemplateID, c.ContractID, err)
	}
	return nil
}
