// Command pcie_err lists the link stack error codes and their descriptions.
package main

import (
	"fmt"

	"pcielink/internal/common"
	"pcielink/internal/pcie"
)

func main() {
	fmt.Println("PCIe Link Error Code List")
	fmt.Println()

	for code := pcie.OK; code < pcie.ErrLast; code++ {
		fmt.Printf("%2d: %-28s %s\n", code, common.CodeName(code), common.CodeMessage(code))
	}
}
