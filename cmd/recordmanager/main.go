package main

import (
	"github.com/biblioworks/recordmanager/pkg/common/cmd"
)

func main() {
	cmd.Execute()
}
