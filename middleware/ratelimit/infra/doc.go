// Package infra contém implementações concretas dos contratos do pacote domain.
//
//   - RedisCounterStore: contador de janela fixa no Redis (script Lua atômico)
//   - MemoryCounterStore: o mesmo contador em memória, com limpeza periódica
//   - RedisStatsStore / MemoryStatsStore: estatísticas das decisões
package infra
