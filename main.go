// Command stockwatch watches storefront stock and notifies restock subscribers.
package main

import (
	"github.com/JakeFAU/stockwatch/cmd"
)

func main() {
	cmd.Execute()
}
