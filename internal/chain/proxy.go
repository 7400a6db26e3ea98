package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ProxyRegistry 代理注册表绑定
type ProxyRegistry struct {
	client  *Client
	address common.Address
	abi     abi.ABI
}

// NewProxyRegistry 创建代理注册表绑定
func NewProxyRegistry(client *Client, address common.Address) (*ProxyRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(ProxyRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("解析代理注册表 ABI失败: %w", err)
	}
	return &ProxyRegistry{
		client:  client,
		address: address,
		abi:     parsed,
	}, nil
}

// ProxyFor 查询 owner 名下的代理地址（零地址 = 未创建）
func (r *ProxyRegistry) ProxyFor(ctx context.Context, owner common.Address) (common.Address, error) {
	data, err := r.abi.Pack("proxies", owner)
	if err != nil {
		return common.Address{}, fmt.Errorf("打包proxies参数失败: %w", err)
	}
	result, err := r.client.callContract(ctx, r.address, data)
	if err != nil {
		return common.Address{}, err
	}
	var proxy common.Address
	if err := r.abi.UnpackIntoInterface(&proxy, "proxies", result); err != nil {
		return common.Address{}, fmt.Errorf("解析proxies结果失败: %w", err)
	}
	return proxy, nil
}

// Build 为签名账户创建代理并等待上链
func (r *ProxyRegistry) Build(ctx context.Context) (*ethtypes.Receipt, error) {
	data, err := r.abi.Pack("build")
	if err != nil {
		return nil, fmt.Errorf("打包build参数失败: %w", err)
	}
	return r.client.SendAndWait(ctx, r.address, data, nil)
}

// ProxyAccount 委托代理账户绑定（DSProxy 风格）
// execute 对动作库做 delegatecall，库代码在代理的资金上下文里运行，
// 因此"兑换 + 清算动作"天然是同一笔交易里的原子捆绑
type ProxyAccount struct {
	client   *Client
	address  common.Address
	library  common.Address
	proxyABI abi.ABI
	libABI   abi.ABI
}

// NewProxyAccount 创建代理账户绑定
func NewProxyAccount(client *Client, proxyAddr, libraryAddr common.Address) (*ProxyAccount, error) {
	proxyABI, err := abi.JSON(strings.NewReader(ProxyABI))
	if err != nil {
		return nil, fmt.Errorf("解析代理 ABI失败: %w", err)
	}
	libABI, err := abi.JSON(strings.NewReader(SwapAndActABI))
	if err != nil {
		return nil, fmt.Errorf("解析动作库 ABI失败: %w", err)
	}
	return &ProxyAccount{
		client:   client,
		address:  proxyAddr,
		library:  libraryAddr,
		proxyABI: proxyABI,
		libABI:   libABI,
	}, nil
}

// Address 返回代理账户地址
func (p *ProxyAccount) Address() common.Address {
	return p.address
}

// ExecuteSwapAndCall 在一笔交易里完成"兑换补齐 + 目标调用"
// 任一步失败则整体回滚，代理资金不会停留在中间状态
func (p *ProxyAccount) ExecuteSwapAndCall(
	ctx context.Context,
	router, tokenIn, tokenOut common.Address,
	amountOut, amountInMax *big.Int,
	target common.Address,
	callData []byte,
) (*ethtypes.Receipt, error) {
	libData, err := p.libABI.Pack("swapAndCall",
		router, tokenIn, tokenOut, amountOut, amountInMax, target, callData)
	if err != nil {
		return nil, fmt.Errorf("打包swapAndCall参数失败: %w", err)
	}
	return p.execute(ctx, libData)
}

// ExecuteCall 不需要兑换时，只通过代理转发目标调用
func (p *ProxyAccount) ExecuteCall(ctx context.Context, target common.Address, callData []byte) (*ethtypes.Receipt, error) {
	libData, err := p.libABI.Pack("call", target, callData)
	if err != nil {
		return nil, fmt.Errorf("打包call参数失败: %w", err)
	}
	return p.execute(ctx, libData)
}

func (p *ProxyAccount) execute(ctx context.Context, libData []byte) (*ethtypes.Receipt, error) {
	data, err := p.proxyABI.Pack("execute", p.library, libData)
	if err != nil {
		return nil, fmt.Errorf("打包execute参数失败: %w", err)
	}
	return p.client.SendAndWait(ctx, p.address, data, nil)
}
