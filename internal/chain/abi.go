package chain

// FinancialContractABI 金融合约 ABI（仓位、清算、争议相关的最小子集）
const FinancialContractABI = `[
	{
		"inputs": [{"name": "sponsor", "type": "address"}],
		"name": "positions",
		"outputs": [
			{"name": "tokensOutstanding", "type": "uint256"},
			{"name": "withdrawalRequestPassTimestamp", "type": "uint256"},
			{"name": "withdrawalRequestAmount", "type": "uint256"},
			{"name": "rawCollateral", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "sponsor", "type": "address"}],
		"name": "getCollateral",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "sponsor", "type": "address"}],
		"name": "getLiquidations",
		"outputs": [{
			"components": [
				{"name": "sponsor", "type": "address"},
				{"name": "liquidator", "type": "address"},
				{"name": "disputer", "type": "address"},
				{"name": "state", "type": "uint8"},
				{"name": "liquidationTime", "type": "uint256"},
				{"name": "tokensOutstanding", "type": "uint256"},
				{"name": "lockedCollateral", "type": "uint256"},
				{"name": "liquidatedCollateral", "type": "uint256"},
				{"name": "price", "type": "uint256"}
			],
			"name": "",
			"type": "tuple[]"
		}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "collateralRequirement",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "liquidationLiveness",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "disputeBondPercentage",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "expirationTimestamp",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "contractState",
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "collateralCurrency",
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "tokenCurrency",
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "sponsor", "type": "address"},
			{"name": "minCollateralPerToken", "type": "uint256"},
			{"name": "maxCollateralPerToken", "type": "uint256"},
			{"name": "maxTokensToLiquidate", "type": "uint256"},
			{"name": "deadline", "type": "uint256"}
		],
		"name": "createLiquidation",
		"outputs": [
			{"name": "liquidationId", "type": "uint256"},
			{"name": "tokensLiquidated", "type": "uint256"},
			{"name": "finalFeeBond", "type": "uint256"}
		],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "liquidationId", "type": "uint256"},
			{"name": "sponsor", "type": "address"}
		],
		"name": "dispute",
		"outputs": [{"name": "totalPaid", "type": "uint256"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "liquidationId", "type": "uint256"},
			{"name": "sponsor", "type": "address"}
		],
		"name": "withdrawLiquidation",
		"outputs": [{"name": "amountWithdrawn", "type": "uint256"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [{"indexed": true, "name": "sponsor", "type": "address"}],
		"name": "NewSponsor",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "sponsor", "type": "address"},
			{"indexed": true, "name": "liquidator", "type": "address"},
			{"indexed": true, "name": "liquidationId", "type": "uint256"},
			{"indexed": false, "name": "tokensOutstanding", "type": "uint256"},
			{"indexed": false, "name": "lockedCollateral", "type": "uint256"},
			{"indexed": false, "name": "liquidatedCollateral", "type": "uint256"},
			{"indexed": false, "name": "liquidationTime", "type": "uint256"}
		],
		"name": "LiquidationCreated",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "sponsor", "type": "address"},
			{"indexed": true, "name": "liquidator", "type": "address"},
			{"indexed": true, "name": "disputer", "type": "address"},
			{"indexed": false, "name": "liquidationId", "type": "uint256"},
			{"indexed": false, "name": "disputeBondAmount", "type": "uint256"}
		],
		"name": "LiquidationDisputed",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "caller", "type": "address"},
			{"indexed": true, "name": "sponsor", "type": "address"},
			{"indexed": true, "name": "liquidator", "type": "address"},
			{"indexed": false, "name": "liquidationId", "type": "uint256"},
			{"indexed": false, "name": "disputeSucceeded", "type": "bool"}
		],
		"name": "DisputeSettled",
		"type": "event"
	}
]`

// ERC20ABI ERC20 标准 ABI（余额、授权、精度）
const ERC20ABI = `[
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "symbol",
		"outputs": [{"name": "", "type": "string"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ProxyRegistryABI 代理注册表 ABI（owner -> proxy 查询与创建）
const ProxyRegistryABI = `[
	{
		"inputs": [{"name": "owner", "type": "address"}],
		"name": "proxies",
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "build",
		"outputs": [{"name": "proxy", "type": "address"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// ProxyABI 委托代理账户 ABI（DSProxy 风格的 execute）
const ProxyABI = `[
	{
		"inputs": [
			{"name": "target", "type": "address"},
			{"name": "data", "type": "bytes"}
		],
		"name": "execute",
		"outputs": [{"name": "response", "type": "bytes"}],
		"stateMutability": "payable",
		"type": "function"
	}
]`

// RouterABI 兑换路由 ABI（V2 风格 exact-out 兑换）
const RouterABI = `[
	{
		"inputs": [
			{"name": "amountOut", "type": "uint256"},
			{"name": "amountInMax", "type": "uint256"},
			{"name": "path", "type": "address[]"},
			{"name": "to", "type": "address"},
			{"name": "deadline", "type": "uint256"}
		],
		"name": "swapTokensForExactTokens",
		"outputs": [{"name": "amounts", "type": "uint256[]"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// SwapAndActABI 代理辅助库 ABI（在代理上下文里先兑换再执行清算动作）
const SwapAndActABI = `[
	{
		"inputs": [
			{"name": "router", "type": "address"},
			{"name": "tokenIn", "type": "address"},
			{"name": "tokenOut", "type": "address"},
			{"name": "amountOut", "type": "uint256"},
			{"name": "amountInMax", "type": "uint256"},
			{"name": "target", "type": "address"},
			{"name": "callData", "type": "bytes"}
		],
		"name": "swapAndCall",
		"outputs": [{"name": "response", "type": "bytes"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "target", "type": "address"},
			{"name": "callData", "type": "bytes"}
		],
		"name": "call",
		"outputs": [{"name": "response", "type": "bytes"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`
