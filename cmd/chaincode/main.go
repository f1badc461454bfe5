// Command chaincode hosts the organ, patient and governance contracts on a
// Hyperledger Fabric network. Each ledger category is its own contract
// namespace exposing Submit and Query.
package main

import (
	"fmt"
	"log"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/atvirokodosprendimai/organledger/internal/chaincode"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

// CategoryContract binds one ledger category to the shared contract logic.
type CategoryContract struct {
	contractapi.Contract
	category domain.LedgerCategory
}

func newCategoryContract(category domain.LedgerCategory) *CategoryContract {
	c := &CategoryContract{category: category}
	c.Name = string(category)
	return c
}

// Submit applies a write and returns the Fabric transaction id.
func (c *CategoryContract) Submit(ctx contractapi.TransactionContextInterface, function, payload string) (string, error) {
	if err := (chaincode.Contract{}).Submit(ctx.GetStub(), c.category, function, []byte(payload)); err != nil {
		return "", fmt.Errorf("%s.%s: %v", c.category, function, err)
	}
	return ctx.GetStub().GetTxID(), nil
}

// Query returns the JSON document a query function resolves to.
func (c *CategoryContract) Query(ctx contractapi.TransactionContextInterface, function, payload string) (string, error) {
	out, err := (chaincode.Contract{}).Query(ctx.GetStub(), c.category, function, []byte(payload))
	if err != nil {
		return "", fmt.Errorf("%s.%s: %v", c.category, function, err)
	}
	return string(out), nil
}

func main() {
	cc, err := contractapi.NewChaincode(
		newCategoryContract(domain.LedgerOrgan),
		newCategoryContract(domain.LedgerPatient),
		newCategoryContract(domain.LedgerGovernance),
	)
	if err != nil {
		log.Panicf("Error creating organledger chaincode: %v", err)
	}

	if err := cc.Start(); err != nil {
		log.Panicf("Error starting organledger chaincode: %v", err)
	}
}
