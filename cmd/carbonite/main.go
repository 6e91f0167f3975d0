package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 執行 carbonite 命令並回傳結束碼
// ============================================================================

import (
	"os"

	"github.com/ChuLiYu/carbonite/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
